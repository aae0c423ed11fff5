// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values keeps the durations discoverable and prevents
// drift between the transport and storage layers.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOp caps a single store read or write issued from a session handler.
const StoreOp = 3 * time.Second

// WatchRetry is the pause before a store subscription resubscribes after
// its notification channel closes.
const WatchRetry = time.Second

// Dwell is how long a top-ranked choice stays on display before it is
// retired and the next one is selected.
const Dwell = 15 * time.Second
