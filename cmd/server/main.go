// Package main starts the stage realtime service and handles termination.
//
// The process is a transport adapter around collective choice state and its
// fan-out: the store owns the state, the server relays it to sessions.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	stagecmd "github.com/louisbranch/crowdstage/internal/cmd/stage"
)

func main() {
	cfg, err := stagecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[STAGE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := stagecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
