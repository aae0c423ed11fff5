// Package stage parses stage command flags and composes the realtime
// entrypoint around a configured store backend.
package stage

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/crowdstage/internal/platform/cmd"
	server "github.com/louisbranch/crowdstage/internal/services/stage/app"
	"github.com/louisbranch/crowdstage/internal/storage"
	"github.com/louisbranch/crowdstage/internal/storage/memory"
	"github.com/louisbranch/crowdstage/internal/storage/sqlite"
)

// Config holds stage command configuration.
type Config struct {
	HTTPAddr     string `env:"CROWDSTAGE_HTTP_ADDR"     envDefault:":8080"`
	StorePath    string `env:"CROWDSTAGE_STORE_PATH"`
	DwellSeconds int    `env:"CROWDSTAGE_DWELL_SECONDS" envDefault:"15"`
	WatchPollMS  int    `env:"CROWDSTAGE_WATCH_POLL_MS" envDefault:"250"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "stage HTTP listen address")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "sqlite store path; empty selects the in-memory store")
	fs.IntVar(&cfg.DwellSeconds, "dwell-seconds", cfg.DwellSeconds, "seconds the top choice stays displayed before rotating")
	fs.IntVar(&cfg.WatchPollMS, "watch-poll-ms", cfg.WatchPollMS, "sqlite watch polling interval in milliseconds")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the configured store and starts the stage transport.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStage, func(context.Context) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close store: %v", err)
			}
		}()

		if err := server.Run(ctx, store, server.Config{
			HTTPAddr: cfg.HTTPAddr,
			Dwell:    time.Duration(cfg.DwellSeconds) * time.Second,
		}); err != nil {
			return fmt.Errorf("serve stage: %w", err)
		}
		return nil
	})
}

// openStore selects sqlite persistence when a path is configured and the
// in-memory store otherwise.
func openStore(cfg Config) (storage.Store, error) {
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		log.Printf("no store path configured, using in-memory store")
		return memory.New(), nil
	}

	var options sqlite.Options
	if cfg.WatchPollMS > 0 {
		options.PollInterval = time.Duration(cfg.WatchPollMS) * time.Millisecond
	}
	store, err := sqlite.OpenWithOptions(path, options)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}
