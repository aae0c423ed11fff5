package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/storage"
)

// subscriberBuffer bounds how many undelivered notifications a watcher may
// lag behind. Past that the subscriber gets a single Unknown marker and
// re-fetches, which keeps writers from ever blocking on a slow reader.
const subscriberBuffer = 16

// Store is the single-instance, in-process backing for the choice store
// contract. All state lives behind one mutex, so composite operations are
// genuinely atomic here.
type Store struct {
	mu          sync.Mutex
	closed      bool
	choices     choice.CollectiveState
	stage       choice.Stage
	subscribers map[string]map[chan storage.Notification]struct{}
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		choices:     choice.Zero(),
		stage:       choice.StageSolo,
		subscribers: make(map[string]map[chan storage.Notification]struct{}),
	}
}

// GetChoices returns the current collective state.
func (s *Store) GetChoices(ctx context.Context) (choice.CollectiveState, error) {
	if err := ctx.Err(); err != nil {
		return choice.Zero(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choices, nil
}

// PutChoices replaces the collective state record and notifies watchers.
func (s *Store) PutChoices(ctx context.Context, state choice.CollectiveState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choices = state.Normalize()
	s.notifyChoicesLocked()
	return nil
}

// AppendChoice appends one label under the store mutex and returns the
// committed record.
func (s *Store) AppendChoice(ctx context.Context, label string) (choice.CollectiveState, error) {
	if err := ctx.Err(); err != nil {
		return choice.Zero(), err
	}
	if strings.TrimSpace(label) == "" {
		return choice.Zero(), fmt.Errorf("choice label is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choices = s.choices.Append(label)
	s.notifyChoicesLocked()
	return s.choices, nil
}

// RemoveChoice removes every occurrence of label and returns the committed
// record.
func (s *Store) RemoveChoice(ctx context.Context, label string) (choice.CollectiveState, error) {
	if err := ctx.Err(); err != nil {
		return choice.Zero(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choices = s.choices.Remove(label)
	s.notifyChoicesLocked()
	return s.choices, nil
}

// ResetChoices restores the zero collective state.
func (s *Store) ResetChoices(ctx context.Context) error {
	return s.PutChoices(ctx, choice.Zero())
}

// GetStage returns the current stage.
func (s *Store) GetStage(ctx context.Context) (choice.Stage, error) {
	if err := ctx.Err(); err != nil {
		return choice.StageSolo, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, nil
}

// PutStage replaces the stage record. Out-of-range stages are rejected
// without mutating state.
func (s *Store) PutStage(ctx context.Context, stage choice.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !stage.Valid() {
		return choice.ErrStageOutOfRange{Stage: stage}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	notification := storage.Notification{Key: storage.KeyCurrentStage}
	committed := s.stage
	notification.Stage = &committed
	s.deliverLocked(storage.KeyCurrentStage, notification)
	return nil
}

// Watch subscribes to committed writes on one key. The channel closes when
// ctx ends or the store closes.
func (s *Store) Watch(ctx context.Context, key string) (<-chan storage.Notification, error) {
	if key != storage.KeyCollectiveChoices && key != storage.KeyCurrentStage {
		return nil, fmt.Errorf("unknown watch key %q", key)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store is closed")
	}
	ch := make(chan storage.Notification, subscriberBuffer)
	keySubs, ok := s.subscribers[key]
	if !ok {
		keySubs = make(map[chan storage.Notification]struct{})
		s.subscribers[key] = keySubs
	}
	keySubs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(key, ch)
	}()
	return ch, nil
}

// Close drops all subscribers and closes their channels.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, keySubs := range s.subscribers {
		for ch := range keySubs {
			close(ch)
		}
	}
	s.subscribers = make(map[string]map[chan storage.Notification]struct{})
	return nil
}

func (s *Store) unsubscribe(key string, ch chan storage.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	keySubs, ok := s.subscribers[key]
	if !ok {
		return
	}
	if _, subscribed := keySubs[ch]; !subscribed {
		return
	}
	delete(keySubs, ch)
	close(ch)
}

func (s *Store) notifyChoicesLocked() {
	committed := s.choices
	s.deliverLocked(storage.KeyCollectiveChoices, storage.Notification{
		Key:     storage.KeyCollectiveChoices,
		Choices: &committed,
	})
}

func (s *Store) deliverLocked(key string, notification storage.Notification) {
	for ch := range s.subscribers[key] {
		select {
		case ch <- notification:
			continue
		default:
		}
		// Subscriber is lagging. Drop its oldest pending entry to make
		// room, then queue a re-fetch marker covering everything dropped.
		// Writers all hold the store mutex, so after the drain the send
		// cannot fail: a concurrent reader only frees more space.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- storage.Notification{Key: key, Unknown: true}:
		default:
		}
	}
}
