package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/crowdstage/internal/storage"
	"github.com/louisbranch/crowdstage/internal/storage/sqlite/migrations"
)

// DefaultPollInterval is how often watchers check for new record versions
// when no interval is configured.
const DefaultPollInterval = 250 * time.Millisecond

// maxConsecutivePollFailures bounds the backoff loop before a watch channel
// closes and the subscriber resubscribes from scratch.
const maxConsecutivePollFailures = 5

// Options tunes the SQLite store.
type Options struct {
	// PollInterval is the watch polling cadence. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration
}

// Store provides SQLite-backed persistence for the collective choice
// records. Multiple processes may share one database file; committed writes
// surface to each process through version-polling watchers.
type Store struct {
	sqlDB        *sql.DB
	pollInterval time.Duration
}

// Open opens and migrates a choice record SQLite store with defaults.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens and migrates a choice record SQLite store.
func OpenWithOptions(path string, options Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, pollInterval: options.PollInterval}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection. Active watchers observe
// the closed connection and shut their channels.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetChoices loads the collective state record, or the zero state when the
// row does not exist.
func (s *Store) GetChoices(ctx context.Context) (choice.CollectiveState, error) {
	payload, _, found, err := s.readRecord(ctx, storage.KeyCollectiveChoices)
	if err != nil {
		return choice.Zero(), err
	}
	if !found {
		return choice.Zero(), nil
	}
	return decodeChoices(payload)
}

// PutChoices replaces the collective state record and bumps its version.
func (s *Store) PutChoices(ctx context.Context, state choice.CollectiveState) error {
	payload, err := json.Marshal(state.Normalize())
	if err != nil {
		return fmt.Errorf("encode collective state: %w", err)
	}
	return s.writeRecord(ctx, storage.KeyCollectiveChoices, string(payload))
}

// AppendChoice appends one label inside a transaction so the read-modify-
// write cannot interleave with another writer on the same database.
func (s *Store) AppendChoice(ctx context.Context, label string) (choice.CollectiveState, error) {
	if strings.TrimSpace(label) == "" {
		return choice.Zero(), fmt.Errorf("choice label is required")
	}
	return s.mutateChoices(ctx, func(state choice.CollectiveState) choice.CollectiveState {
		return state.Append(label)
	})
}

// RemoveChoice deletes every occurrence of label inside a transaction.
func (s *Store) RemoveChoice(ctx context.Context, label string) (choice.CollectiveState, error) {
	return s.mutateChoices(ctx, func(state choice.CollectiveState) choice.CollectiveState {
		return state.Remove(label)
	})
}

// ResetChoices replaces the collective state with the zero value.
func (s *Store) ResetChoices(ctx context.Context) error {
	return s.PutChoices(ctx, choice.Zero())
}

// GetStage loads the stage record, or StageSolo when unset.
func (s *Store) GetStage(ctx context.Context) (choice.Stage, error) {
	payload, _, found, err := s.readRecord(ctx, storage.KeyCurrentStage)
	if err != nil {
		return choice.StageSolo, err
	}
	if !found {
		return choice.StageSolo, nil
	}
	return decodeStage(payload)
}

// PutStage replaces the stage record. Out-of-range stages are rejected
// before any write happens.
func (s *Store) PutStage(ctx context.Context, stage choice.Stage) error {
	if !stage.Valid() {
		return choice.ErrStageOutOfRange{Stage: stage}
	}
	payload, err := json.Marshal(int(stage))
	if err != nil {
		return fmt.Errorf("encode stage: %w", err)
	}
	return s.writeRecord(ctx, storage.KeyCurrentStage, string(payload))
}

// Watch emits a notification whenever the key's record version advances.
// SQLite has no push mechanism, so the watcher polls the version column;
// per-key ordering follows version order, and writes committed between two
// polls coalesce into one notification carrying the latest record.
func (s *Store) Watch(ctx context.Context, key string) (<-chan storage.Notification, error) {
	if key != storage.KeyCollectiveChoices && key != storage.KeyCurrentStage {
		return nil, fmt.Errorf("unknown watch key %q", key)
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	baseline, err := s.readVersion(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s baseline version: %w", key, err)
	}

	notifications := make(chan storage.Notification, 1)
	go s.pollKey(ctx, key, baseline, notifications)
	return notifications, nil
}

func (s *Store) pollKey(ctx context.Context, key string, lastVersion int64, notifications chan<- storage.Notification) {
	defer close(notifications)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.pollInterval
	retry.MaxInterval = 5 * time.Second
	failures := 0

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		version, err := s.readVersion(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxConsecutivePollFailures {
				// Let the subscriber resubscribe with a fresh baseline.
				return
			}
			if !sleepCtx(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}
		failures = 0
		retry.Reset()

		if version <= lastVersion {
			continue
		}
		lastVersion = version

		notification := s.readNotification(ctx, key)
		select {
		case notifications <- notification:
		case <-ctx.Done():
			return
		}
	}
}

// readNotification loads the latest record for a key. Decode problems
// degrade to an Unknown marker so the subscriber re-fetches rather than
// acting on a partial value.
func (s *Store) readNotification(ctx context.Context, key string) storage.Notification {
	notification := storage.Notification{Key: key}
	payload, _, found, err := s.readRecord(ctx, key)
	if err != nil || !found {
		notification.Unknown = true
		return notification
	}
	switch key {
	case storage.KeyCollectiveChoices:
		state, err := decodeChoices(payload)
		if err != nil {
			notification.Unknown = true
			return notification
		}
		notification.Choices = &state
	case storage.KeyCurrentStage:
		stage, err := decodeStage(payload)
		if err != nil {
			notification.Unknown = true
			return notification
		}
		notification.Stage = &stage
	}
	return notification
}

func (s *Store) mutateChoices(ctx context.Context, mutate func(choice.CollectiveState) choice.CollectiveState) (choice.CollectiveState, error) {
	if s == nil || s.sqlDB == nil {
		return choice.Zero(), fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return choice.Zero(), fmt.Errorf("begin choices transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	state := choice.Zero()
	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM records WHERE key = ?`, storage.KeyCollectiveChoices).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return choice.Zero(), fmt.Errorf("read collective state: %w", err)
	default:
		if state, err = decodeChoices(payload); err != nil {
			return choice.Zero(), err
		}
	}

	state = mutate(state)
	encoded, err := json.Marshal(state)
	if err != nil {
		return choice.Zero(), fmt.Errorf("encode collective state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertRecordSQL, storage.KeyCollectiveChoices, string(encoded), time.Now().UTC().UnixMilli()); err != nil {
		return choice.Zero(), fmt.Errorf("write collective state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return choice.Zero(), fmt.Errorf("commit collective state: %w", err)
	}
	return state, nil
}

const upsertRecordSQL = `
INSERT INTO records (key, payload, version, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(key) DO UPDATE SET
    payload = excluded.payload,
    version = records.version + 1,
    updated_at = excluded.updated_at`

func (s *Store) writeRecord(ctx context.Context, key string, payload string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, upsertRecordSQL, key, payload, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	return nil
}

func (s *Store) readRecord(ctx context.Context, key string) (payload string, version int64, found bool, err error) {
	if s == nil || s.sqlDB == nil {
		return "", 0, false, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT payload, version FROM records WHERE key = ?`, key)
	if err := row.Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("read record %s: %w", key, err)
	}
	return payload, version, true, nil
}

func (s *Store) readVersion(ctx context.Context, key string) (int64, error) {
	var version int64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT version FROM records WHERE key = ?`, key)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func decodeChoices(payload string) (choice.CollectiveState, error) {
	var state choice.CollectiveState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return choice.Zero(), fmt.Errorf("decode collective state: %w", err)
	}
	return state.Normalize(), nil
}

func decodeStage(payload string) (choice.Stage, error) {
	var value int
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return choice.StageSolo, fmt.Errorf("decode stage: %w", err)
	}
	stage := choice.Stage(value)
	if !stage.Valid() {
		return choice.StageSolo, choice.ErrStageOutOfRange{Stage: stage}
	}
	return stage, nil
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ storage.Store = (*Store)(nil)
