package memory

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/storage"
)

func TestGetChoicesReturnsZeroValueWhenUnset(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })

	state, err := store.GetChoices(context.Background())
	if err != nil {
		t.Fatalf("get choices: %v", err)
	}
	if !reflect.DeepEqual(state, choice.Zero()) {
		t.Fatalf("state = %+v, want zero", state)
	}
}

func TestAppendChoiceCommitsAndReturnsRecord(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	committed, err := store.AppendChoice(ctx, "wave")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if committed.TotalVotes != 1 || committed.Choices[0] != "wave" {
		t.Fatalf("committed = %+v", committed)
	}

	state, err := store.GetChoices(ctx)
	if err != nil {
		t.Fatalf("get choices: %v", err)
	}
	if !reflect.DeepEqual(state, committed) {
		t.Fatalf("state = %+v, want %+v", state, committed)
	}
}

func TestAppendChoiceRejectsBlankLabel(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.AppendChoice(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank label")
	}
}

func TestRemoveChoiceRoundTrip(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for _, label := range []string{"wave", "spin", "wave"} {
		if _, err := store.AppendChoice(ctx, label); err != nil {
			t.Fatalf("append %q: %v", label, err)
		}
	}
	state, err := store.RemoveChoice(ctx, "wave")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !reflect.DeepEqual(state.Choices, []string{"spin"}) || state.TotalVotes != 1 {
		t.Fatalf("state = %+v", state)
	}
}

func TestResetChoicesIsIdempotent(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if _, err := store.AppendChoice(ctx, "wave"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.ResetChoices(ctx); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if err := store.ResetChoices(ctx); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	state, err := store.GetChoices(ctx)
	if err != nil {
		t.Fatalf("get choices: %v", err)
	}
	if !reflect.DeepEqual(state, choice.Zero()) {
		t.Fatalf("state = %+v, want zero", state)
	}
}

func TestPutStageRejectsOutOfRange(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if err := store.PutStage(ctx, 5); err == nil {
		t.Fatal("expected range error")
	}
	stage, err := store.GetStage(ctx)
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage != choice.StageSolo {
		t.Fatalf("stage = %d, want solo after rejected write", stage)
	}
}

func TestWatchDeliversCommittedWritesInOrder(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifications, err := store.Watch(ctx, storage.KeyCollectiveChoices)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := store.AppendChoice(ctx, "wave"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendChoice(ctx, "spin"); err != nil {
		t.Fatalf("append: %v", err)
	}

	first := receiveNotification(t, notifications)
	if first.Choices == nil || first.Choices.TotalVotes != 1 {
		t.Fatalf("first notification = %+v", first)
	}
	second := receiveNotification(t, notifications)
	if second.Choices == nil || second.Choices.TotalVotes != 2 {
		t.Fatalf("second notification = %+v", second)
	}
}

func TestWatchStageKeyDeliversStageWrites(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifications, err := store.Watch(ctx, storage.KeyCurrentStage)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := store.PutStage(ctx, 3); err != nil {
		t.Fatalf("put stage: %v", err)
	}
	got := receiveNotification(t, notifications)
	if got.Stage == nil || *got.Stage != 3 {
		t.Fatalf("notification = %+v, want stage 3", got)
	}
}

func TestWatchRejectsUnknownKey(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Watch(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestWatchChannelClosesOnContextCancel(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())

	notifications, err := store.Watch(ctx, storage.KeyCollectiveChoices)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()

	select {
	case _, open := <-notifications:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel did not close")
	}
}

func TestSlowSubscriberDegradesToUnknownMarker(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifications, err := store.Watch(ctx, storage.KeyCollectiveChoices)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Overflow the subscriber buffer without draining.
	for i := 0; i < subscriberBuffer+8; i++ {
		if _, err := store.AppendChoice(ctx, "wave"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sawUnknown := false
	for i := 0; i < subscriberBuffer+1; i++ {
		got := receiveNotification(t, notifications)
		if got.Unknown {
			sawUnknown = true
			break
		}
	}
	if !sawUnknown {
		t.Fatal("expected an unknown marker after buffer overflow")
	}
}

// A subscriber whose buffer fills with ordinary notifications must still be
// told that later writes happened; a full buffer cannot silently swallow a
// committed write.
func TestOverflowedSubscriberStillLearnsOfLatestWrite(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifications, err := store.Watch(ctx, storage.KeyCollectiveChoices)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Exactly fill the buffer with real notifications, then write twice more
	// so the overflow path runs while no marker slot is free.
	committed := subscriberBuffer + 2
	for i := 0; i < committed; i++ {
		if _, err := store.AppendChoice(ctx, "wave"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sawUnknown := false
	lastTotal := 0
drain:
	for {
		select {
		case notification := <-notifications:
			if notification.Unknown {
				sawUnknown = true
				continue
			}
			if notification.Choices != nil && notification.Choices.TotalVotes > lastTotal {
				lastTotal = notification.Choices.TotalVotes
			}
		default:
			break drain
		}
	}
	if !sawUnknown && lastTotal != committed {
		t.Fatalf("subscriber saw %d of %d writes and no re-fetch marker", lastTotal, committed)
	}

	state, err := store.GetChoices(ctx)
	if err != nil {
		t.Fatalf("get choices: %v", err)
	}
	if state.TotalVotes != committed {
		t.Fatalf("re-fetch after marker returned %d votes, want %d", state.TotalVotes, committed)
	}
}

func receiveNotification(t *testing.T, ch <-chan storage.Notification) storage.Notification {
	t.Helper()
	select {
	case notification, open := <-ch:
		if !open {
			t.Fatal("watch channel closed unexpectedly")
		}
		return notification
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return storage.Notification{}
	}
}
