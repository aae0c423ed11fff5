package storage

import (
	"context"

	"github.com/louisbranch/crowdstage/internal/choice"
)

// Record keys for the two durable records. Every write replaces the whole
// record at its key.
const (
	KeyCollectiveChoices = "collective_choices"
	KeyCurrentStage      = "current_stage"
)

// Notification reports one committed change to a watched key. When the
// backend cannot tell what the new value is (decode failure, deleted row,
// coalesced updates) it sets Unknown and the subscriber re-fetches.
type Notification struct {
	Key     string
	Choices *choice.CollectiveState
	Stage   *choice.Stage
	Unknown bool
}

// Store is the shared persistence boundary for collective choice state and
// the current stage. The realtime hub is written against this interface so
// a single-instance in-memory backing and a durable shared backing are
// interchangeable.
//
// Reads never fail for a missing record: they return the zero value.
// Composite operations (AppendChoice, RemoveChoice) perform their
// read-modify-write under the backend's strongest atomicity primitive;
// concurrent whole-record writers resolve last-writer-wins.
type Store interface {
	// GetChoices returns the current collective state, or the zero state
	// when nothing has been written yet.
	GetChoices(ctx context.Context) (choice.CollectiveState, error)

	// PutChoices atomically replaces the collective state record.
	PutChoices(ctx context.Context, state choice.CollectiveState) error

	// AppendChoice appends one label to the collective state and returns
	// the committed record.
	AppendChoice(ctx context.Context, label string) (choice.CollectiveState, error)

	// RemoveChoice removes every occurrence of label and returns the
	// committed record.
	RemoveChoice(ctx context.Context, label string) (choice.CollectiveState, error)

	// ResetChoices replaces the collective state with the zero value.
	ResetChoices(ctx context.Context) error

	// GetStage returns the current stage, or StageSolo when unset.
	GetStage(ctx context.Context) (choice.Stage, error)

	// PutStage replaces the stage record. Out-of-range stages are rejected.
	PutStage(ctx context.Context, stage choice.Stage) error

	// Watch subscribes to committed changes of one record key. The
	// returned channel delivers notifications in commit order for that key
	// and closes when ctx ends or the backend subscription fails;
	// subscribers are expected to resubscribe after a closure, never to
	// treat it as fatal.
	Watch(ctx context.Context, key string) (<-chan Notification, error)

	// Close releases backend resources. Open watch channels close.
	Close() error
}
