package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/crowdstage/internal/storage"
)

// startStoreSubscriptions runs one watch worker per store key and feeds
// every notification through the hub. The returned channel closes once both
// workers have exited after ctx is cancelled.
func startStoreSubscriptions(ctx context.Context, store storage.Store, h *hub, retryDelay time.Duration) chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, key := range []string{storage.KeyCollectiveChoices, storage.KeyCurrentStage} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeStoreUpdates(ctx, store, h, key, retryDelay)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// consumeStoreUpdates subscribes to one key and drains notifications until
// the channel closes, then resubscribes after a short delay. A closed
// channel is the store's resubscribe signal; only ctx cancellation ends
// the loop.
func consumeStoreUpdates(ctx context.Context, store storage.Store, h *hub, key string, retryDelay time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := store.Watch(ctx, key)
		if err != nil {
			log.Printf("stage: watch %s: %v", key, err)
			if !waitStoreSubscriptionRetry(ctx, retryDelay) {
				return
			}
			continue
		}
		for notification := range updates {
			h.applyNotification(notification)
		}
		if !waitStoreSubscriptionRetry(ctx, retryDelay) {
			return
		}
	}
}

// waitStoreSubscriptionRetry sleeps for the retry delay unless the context
// ends first. It reports whether the caller should try again.
func waitStoreSubscriptionRetry(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
