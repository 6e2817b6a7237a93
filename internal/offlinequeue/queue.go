// Package offlinequeue is the durable, ordered queue of panel and camera
// writes waiting for the backing store. Every operation is tagged with the
// workspace version it was issued against so replay can tell when the note
// has moved on underneath it.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/localstore"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/versions"
)

const (
	// StoragePrefix namespaces the per-operation records. Each op lives
	// under its own key so processes sharing a local store never rewrite
	// each other's entries.
	StoragePrefix = "offline-queue/"

	// recordSchemaVersion guards the persisted layout; records with another
	// version are dropped on load.
	recordSchemaVersion = 2

	// legacyStorageKey held the whole queue as one document. It is migrated
	// to per-op records on load.
	legacyStorageKey    = "offline-queue"
	legacySchemaVersion = 1

	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = time.Minute
	DefaultFlushParallel  = 4
)

type ConflictPolicy string

const (
	// ConflictRetry discards when the server closed or deleted the panel and
	// otherwise re-applies on top of the server's revision.
	ConflictRetry ConflictPolicy = "retry"
	// ConflictServerWins discards the queued op on any conflict.
	ConflictServerWins ConflictPolicy = "server-wins"
)

func ParseConflictPolicy(raw string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ConflictRetry:
		return ConflictRetry, nil
	case ConflictServerWins:
		return ConflictServerWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", raw)
}

// Applied is passed to the Observer after an op reached the backing store.
type Applied struct {
	Op     Operation
	Result gateway.MutationResult
}

type Options struct {
	Logger         zerolog.Logger
	Telemetry      *telemetry.Emitter
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	FlushParallel  int
	ConflictPolicy ConflictPolicy
	Now            func() time.Time
	Observer       func(Applied)
}

type record struct {
	SchemaVersion int       `json:"schemaVersion"`
	Seq           int64     `json:"seq"`
	Op            Operation `json:"op"`
}

type document struct {
	SchemaVersion int               `json:"schemaVersion"`
	Seq           int64             `json:"seq"`
	Items         []json.RawMessage `json:"items"`
}

// opKey sorts by enqueue time, then by the enqueuing process's sequence.
func opKey(enqueuedAt time.Time, seq int64, opID string) string {
	nanos := enqueuedAt.UnixNano()
	if enqueuedAt.IsZero() || nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%s%020d-%010d-%s", StoragePrefix, nanos, seq, opID)
}

type Queue struct {
	local     localstore.Store
	gateway   gateway.Gateway
	versions  *versions.Store
	snapshots *snapshot.Cache

	logger         zerolog.Logger
	telemetry      *telemetry.Emitter
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	flushParallel  int
	conflictPolicy ConflictPolicy
	now            func() time.Time

	mu       sync.Mutex
	seq      int64
	items    []Operation
	keys     map[string]string
	flushing map[string]bool
	observer func(Applied)

	panelLocks *keyedMutex
}

// New loads the persisted queue. Entries left in processing by a crash go
// back to pending.
func New(ctx context.Context, local localstore.Store, gw gateway.Gateway, vs *versions.Store, snapshots *snapshot.Cache, opts Options) (*Queue, error) {
	if local == nil || gw == nil || vs == nil || snapshots == nil {
		return nil, ErrInvalidOp
	}
	policy := opts.ConflictPolicy
	if policy == "" {
		policy = ConflictRetry
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	parallel := opts.FlushParallel
	if parallel <= 0 {
		parallel = DefaultFlushParallel
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		local:          local,
		gateway:        gw,
		versions:       vs,
		snapshots:      snapshots,
		logger:         opts.Logger.With().Str("component", "offlinequeue").Logger(),
		telemetry:      opts.Telemetry,
		maxAttempts:    maxAttempts,
		retryBaseDelay: baseDelay,
		retryMaxDelay:  maxDelay,
		flushParallel:  parallel,
		conflictPolicy: policy,
		now:            now,
		items:          []Operation{},
		keys:           map[string]string{},
		flushing:       map[string]bool{},
		observer:       opts.Observer,
		panelLocks:     newKeyedMutex(),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// SetObserver replaces the callback run after each applied op.
func (q *Queue) SetObserver(fn func(Applied)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = fn
}

// LockPanel serializes every writer of one panel. Replay holds it while an op
// is in flight; other writers take it to avoid interleaving with replay.
func (q *Queue) LockPanel(noteID, panelID string) func() {
	return q.panelLocks.Lock(canvas.StoreKey(noteID, panelID))
}

// Enqueue stamps the op with an id and the note's current version and
// persists it before returning.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	version, err := q.versions.Get(ctx, op.NoteID)
	if err != nil {
		return Operation{}, err
	}
	op = op.Clone()
	op.OpID = uuid.NewString()
	op.IssuedAtVersion = version
	op.Attempts = 0
	op.State = StatePending
	op.LastError = ""
	op.EnqueuedAt = q.now().UTC()
	op.NextAttemptAt = time.Time{}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	key := opKey(op.EnqueuedAt, q.seq, op.OpID)
	if err := q.putLocked(ctx, key, q.seq, op); err != nil {
		q.seq--
		return Operation{}, err
	}
	q.keys[op.OpID] = key
	q.items = append(q.items, op)
	return op.Clone(), nil
}

type QueueStatus struct {
	NoteID     string     `json:"noteId,omitempty"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
	Failed     int        `json:"failed"`
	DeadLetter int        `json:"deadLetter"`
	Oldest     *time.Time `json:"oldest,omitempty"`
	Newest     *time.Time `json:"newest,omitempty"`
	NextRetry  *time.Time `json:"nextRetry,omitempty"`
}

// Waiting counts the ops that have not reached the backing store yet.
func (s QueueStatus) Waiting() int {
	return s.Pending + s.Processing + s.Failed
}

// Status summarizes one note, or every note when noteID is empty.
func (q *Queue) Status(noteID string) QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := QueueStatus{NoteID: noteID}
	for _, op := range q.items {
		if noteID != "" && op.NoteID != noteID {
			continue
		}
		switch op.State {
		case StatePending:
			status.Pending++
		case StateProcessing:
			status.Processing++
		case StateFailed:
			status.Failed++
			if !op.NextAttemptAt.IsZero() && (status.NextRetry == nil || op.NextAttemptAt.Before(*status.NextRetry)) {
				next := op.NextAttemptAt
				status.NextRetry = &next
			}
		case StateDeadLetter:
			status.DeadLetter++
		}
		enqueued := op.EnqueuedAt
		if status.Oldest == nil || enqueued.Before(*status.Oldest) {
			status.Oldest = &enqueued
		}
		if status.Newest == nil || enqueued.After(*status.Newest) {
			status.Newest = &enqueued
		}
	}
	return status
}

// Notes lists the notes that have anything queued, sorted.
func (q *Queue) Notes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, op := range q.items {
		if !seen[op.NoteID] {
			seen[op.NoteID] = true
			out = append(out, op.NoteID)
		}
	}
	sort.Strings(out)
	return out
}

// Operations returns queued ops for a note (all notes when empty) in queue
// order.
func (q *Queue) Operations(noteID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0)
	for _, op := range q.items {
		if noteID == "" || op.NoteID == noteID {
			out = append(out, op.Clone())
		}
	}
	return out
}

func (q *Queue) DeadLetters(noteID string, limit int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0)
	for _, op := range q.items {
		if op.State != StateDeadLetter || (noteID != "" && op.NoteID != noteID) {
			continue
		}
		out = append(out, op.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Discard drops an op that is not currently being sent.
func (q *Queue) Discard(ctx context.Context, opID string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return Operation{}, ErrNotFound
	}
	op := q.items[idx]
	if op.State == StateProcessing {
		return Operation{}, ErrInvalidState
	}
	if err := q.removeLocked(ctx, opID); err != nil {
		return Operation{}, err
	}
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	q.emit(telemetry.OpDiscarded, op, 0, "discarded by user")
	return op, nil
}

// Retry puts a dead-lettered or failed op back to pending with a fresh
// attempt budget.
func (q *Queue) Retry(ctx context.Context, opID string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return Operation{}, ErrNotFound
	}
	prev := q.items[idx]
	if prev.State != StateDeadLetter && prev.State != StateFailed {
		return Operation{}, ErrInvalidState
	}
	op := prev
	op.State = StatePending
	op.Attempts = 0
	op.LastError = ""
	op.NextAttemptAt = time.Time{}
	if err := q.persistLocked(ctx, op); err != nil {
		return Operation{}, err
	}
	q.items[idx] = op
	return op.Clone(), nil
}

func (q *Queue) indexLocked(opID string) int {
	for i, op := range q.items {
		if op.OpID == opID {
			return i
		}
	}
	return -1
}

// load reads every op record in key order. Entries left in processing by a
// crash go back to pending; unreadable records are deleted.
func (q *Queue) load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.migrateLegacyLocked(ctx); err != nil {
		return err
	}
	keys, err := q.local.Keys(ctx, StoragePrefix)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		data, err := q.local.Get(ctx, key)
		if errors.Is(err, localstore.ErrNotFound) {
			// Settled by another process since the listing.
			continue
		}
		if err != nil {
			return fmt.Errorf("load offline queue: %w", err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("dropping malformed queue record")
			q.dropKeyLocked(ctx, key)
			continue
		}
		if rec.SchemaVersion != recordSchemaVersion {
			q.logger.Warn().Int("schemaVersion", rec.SchemaVersion).Str("key", key).Msg("dropping queue record with an unsupported schema")
			q.dropKeyLocked(ctx, key)
			continue
		}
		op, ok := q.admitLocked(rec.Op, key)
		if !ok {
			q.dropKeyLocked(ctx, key)
			continue
		}
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		q.keys[op.OpID] = key
		if op.State != rec.Op.State {
			if err := q.putLocked(ctx, key, rec.Seq, op); err != nil {
				return err
			}
		}
		q.items = append(q.items, op)
	}
	return nil
}

// migrateLegacyLocked turns a whole-queue document into per-op records and
// removes it.
func (q *Queue) migrateLegacyLocked(ctx context.Context) error {
	data, err := q.local.Get(ctx, legacyStorageKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	var doc document
	switch err := json.Unmarshal(data, &doc); {
	case err != nil:
		q.logger.Warn().Err(err).Msg("offline queue document is malformed; dropping it")
	case doc.SchemaVersion != legacySchemaVersion:
		q.logger.Warn().Int("schemaVersion", doc.SchemaVersion).Msg("offline queue document has an unsupported schema; dropping it")
	default:
		for i, raw := range doc.Items {
			var op Operation
			if err := json.Unmarshal(raw, &op); err != nil {
				q.logger.Warn().Err(err).Int("index", i).Msg("dropping malformed queue entry")
				continue
			}
			op, ok := q.admitLocked(op, strconv.Itoa(i))
			if !ok {
				continue
			}
			q.seq++
			if err := q.putLocked(ctx, opKey(op.EnqueuedAt, q.seq, op.OpID), q.seq, op); err != nil {
				return err
			}
		}
	}
	if err := q.local.Delete(ctx, legacyStorageKey); err != nil {
		return fmt.Errorf("migrate offline queue: %w", err)
	}
	return nil
}

// admitLocked validates a persisted op and resets states that cannot survive
// a restart.
func (q *Queue) admitLocked(op Operation, where string) (Operation, bool) {
	if op.OpID == "" || op.validate() != nil {
		q.logger.Warn().Str("opId", op.OpID).Str("at", where).Msg("dropping invalid queue entry")
		return Operation{}, false
	}
	if _, dup := q.keys[op.OpID]; dup {
		q.logger.Warn().Str("opId", op.OpID).Str("at", where).Msg("dropping duplicate queue entry")
		return Operation{}, false
	}
	switch op.State {
	case StatePending, StateFailed, StateDeadLetter:
	default:
		op.State = StatePending
	}
	return op, true
}

func (q *Queue) putLocked(ctx context.Context, key string, seq int64, op Operation) error {
	data, err := json.Marshal(record{SchemaVersion: recordSchemaVersion, Seq: seq, Op: op})
	if err != nil {
		return err
	}
	if err := q.local.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	return nil
}

// persistLocked rewrites the record of an op this queue already holds.
func (q *Queue) persistLocked(ctx context.Context, op Operation) error {
	key, ok := q.keys[op.OpID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, op.OpID)
	}
	return q.putLocked(ctx, key, q.seqFromKey(key), op)
}

func (q *Queue) removeLocked(ctx context.Context, opID string) error {
	key, ok := q.keys[opID]
	if !ok {
		return nil
	}
	if err := q.local.Delete(ctx, key); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	delete(q.keys, opID)
	return nil
}

func (q *Queue) dropKeyLocked(ctx context.Context, key string) {
	if err := q.local.Delete(ctx, key); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("failed to delete queue record")
	}
}

func (q *Queue) seqFromKey(key string) int64 {
	parts := strings.SplitN(strings.TrimPrefix(key, StoragePrefix), "-", 3)
	if len(parts) != 3 {
		return 0
	}
	seq, _ := strconv.ParseInt(parts[1], 10, 64)
	return seq
}

func (q *Queue) emit(eventType telemetry.EventType, op Operation, serverVersion int64, detail string) {
	q.telemetry.Emit(telemetry.Event{
		Type:          eventType,
		NoteID:        op.NoteID,
		LocalVersion:  op.IssuedAtVersion,
		ServerVersion: serverVersion,
		Detail:        detail,
	})
}
