package server

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/storage"
)

func waitForStoreCondition(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestStartStoreSubscriptionsWatchesBothKeys(t *testing.T) {
	store := newFakeStore()
	h := newHub(store, inertDwell)
	t.Cleanup(h.closeAllSessions)

	ctx, cancel := context.WithCancel(context.Background())
	done := startStoreSubscriptions(ctx, store, h, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForStoreCondition(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.watchCalls[storage.KeyCollectiveChoices] >= 1 &&
			store.watchCalls[storage.KeyCurrentStage] >= 1
	})
}

func TestStoreNotificationsReachTheHub(t *testing.T) {
	store := newFakeStore()
	h := newHub(store, inertDwell)
	t.Cleanup(h.closeAllSessions)

	ctx, cancel := context.WithCancel(context.Background())
	done := startStoreSubscriptions(ctx, store, h, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForStoreCondition(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.watches[storage.KeyCurrentStage] != nil
	})

	next := choice.Stage(2)
	store.mu.Lock()
	store.watches[storage.KeyCurrentStage].ch <- storage.Notification{
		Key:   storage.KeyCurrentStage,
		Stage: &next,
	}
	store.mu.Unlock()

	waitForStoreCondition(t, func() bool {
		return h.currentStage() == next
	})
}

func TestWatchResubscribesAfterChannelClose(t *testing.T) {
	store := newFakeStore()
	h := newHub(store, inertDwell)
	t.Cleanup(h.closeAllSessions)

	ctx, cancel := context.WithCancel(context.Background())
	done := startStoreSubscriptions(ctx, store, h, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForStoreCondition(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.watches[storage.KeyCollectiveChoices] != nil
	})

	store.mu.Lock()
	first := store.watches[storage.KeyCollectiveChoices]
	store.mu.Unlock()
	first.closeChannel()

	waitForStoreCondition(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.watchCalls[storage.KeyCollectiveChoices] >= 2
	})
}

func TestStoreSubscriptionsStopOnContextCancel(t *testing.T) {
	store := newFakeStore()
	h := newHub(store, inertDwell)
	t.Cleanup(h.closeAllSessions)

	ctx, cancel := context.WithCancel(context.Background())
	done := startStoreSubscriptions(ctx, store, h, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch workers did not stop after cancellation")
	}
}
