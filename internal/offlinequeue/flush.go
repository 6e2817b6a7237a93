package offlinequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/telemetry"
)

type FlushResult struct {
	Applied      int  `json:"applied"`
	Discarded    int  `json:"discarded"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"deadLettered"`
	Remaining    int  `json:"remaining"`
	Skipped      bool `json:"skipped,omitempty"`
}

func (r *FlushResult) add(other FlushResult) {
	r.Applied += other.Applied
	r.Discarded += other.Discarded
	r.Failed += other.Failed
	r.DeadLettered += other.DeadLettered
	r.Remaining += other.Remaining
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDiscarded
	outcomeRetry
	outcomeDeadLetter
)

// maxConflictRefetches bounds how often one replay re-reads the server
// revision before giving up until the next flush.
const maxConflictRefetches = 3

// Flush replays every note's queue. Notes run concurrently; within a note
// ops go strictly in order.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	notes := q.Notes()
	results := make([]FlushResult, len(notes))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(q.flushParallel)
	for i, noteID := range notes {
		group.Go(func() error {
			res, err := q.FlushNote(gctx, noteID)
			results[i] = res
			return err
		})
	}
	err := group.Wait()
	var total FlushResult
	for _, res := range results {
		total.add(res)
	}
	return total, err
}

// FlushNote replays one note. A second concurrent flush of the same note
// returns immediately with Skipped set. A transient failure ends the pass so
// that later ops never overtake the one that failed.
func (q *Queue) FlushNote(ctx context.Context, noteID string) (FlushResult, error) {
	q.mu.Lock()
	if q.flushing[noteID] {
		q.mu.Unlock()
		return FlushResult{Skipped: true}, nil
	}
	q.flushing[noteID] = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.flushing, noteID)
		q.mu.Unlock()
	}()

	var result FlushResult
	defer func() {
		result.Remaining = q.Status(noteID).Waiting()
	}()
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		op, ok, err := q.claimNext(ctx, noteID)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}

		out, cause := q.process(ctx, op)
		if errors.Is(cause, context.Canceled) || (cause != nil && ctx.Err() != nil) {
			if err := q.release(op.OpID); err != nil {
				q.logger.Warn().Err(err).Str("opId", op.OpID).Msg("failed to release queue entry after cancel")
			}
			return result, ctx.Err()
		}
		stop, err := q.settle(op, out, cause, &result)
		if err != nil {
			return result, err
		}
		if stop {
			return result, nil
		}
	}
}

// claimNext marks the first waiting op of the note as processing. A failed op
// still inside its backoff window blocks the note.
func (q *Queue) claimNext(ctx context.Context, noteID string) (Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, op := range q.items {
		if op.NoteID != noteID || op.State == StateDeadLetter {
			continue
		}
		if op.State == StateFailed && now.Before(op.NextAttemptAt) {
			return Operation{}, false, nil
		}
		op.State = StateProcessing
		if err := q.persistLocked(context.WithoutCancel(ctx), op); err != nil {
			return Operation{}, false, err
		}
		q.items[i] = op
		return op.Clone(), true, nil
	}
	return Operation{}, false, nil
}

func (q *Queue) release(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return nil
	}
	op := q.items[idx]
	op.State = StatePending
	if err := q.persistLocked(context.Background(), op); err != nil {
		return err
	}
	q.items[idx] = op
	return nil
}

// settle records the outcome of one replay. It reports whether the note's
// pass must stop.
func (q *Queue) settle(op Operation, out outcome, cause error, result *FlushResult) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(op.OpID)
	if idx < 0 {
		// Discarded by the user while in flight.
		return false, nil
	}
	current := q.items[idx]
	stop := false
	switch out {
	case outcomeApplied, outcomeDiscarded:
		if err := q.removeLocked(context.Background(), op.OpID); err != nil {
			return true, err
		}
		q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
		if out == outcomeApplied {
			result.Applied++
		} else {
			result.Discarded++
		}
		return false, nil
	case outcomeDeadLetter:
		current.Attempts++
		current.State = StateDeadLetter
		current.LastError = errorText(cause)
		current.NextAttemptAt = time.Time{}
		result.DeadLettered++
		q.logger.Warn().Err(cause).Str("opId", op.OpID).Str("noteId", op.NoteID).Str("kind", string(op.Kind)).Msg("operation moved to dead letter")
		q.emit(telemetry.OpDeadLettered, op, 0, errorText(cause))
	case outcomeRetry:
		current.Attempts++
		current.LastError = errorText(cause)
		if current.Attempts >= q.maxAttempts {
			current.State = StateDeadLetter
			current.NextAttemptAt = time.Time{}
			result.DeadLettered++
			q.logger.Warn().Err(cause).Str("opId", op.OpID).Int("attempts", current.Attempts).Msg("operation exhausted retries")
			q.emit(telemetry.OpDeadLettered, op, 0, errorText(cause))
		} else {
			current.State = StateFailed
			current.NextAttemptAt = q.now().Add(q.backoff(current.Attempts))
			result.Failed++
			stop = true
			q.logger.Debug().Err(cause).Str("opId", op.OpID).Int("attempts", current.Attempts).Time("nextAttemptAt", current.NextAttemptAt).Msg("operation failed; will retry")
		}
	}
	if err := q.persistLocked(context.Background(), current); err != nil {
		return true, err
	}
	q.items[idx] = current
	return stop, nil
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.retryMaxDelay {
			return q.retryMaxDelay
		}
	}
	return delay
}

// process replays a single op against the backing store while holding the
// panel lock.
func (q *Queue) process(ctx context.Context, op Operation) (outcome, error) {
	unlock := q.LockPanel(op.NoteID, op.PanelID)
	defer unlock()

	serverVersion, err := q.gateway.GetVersion(ctx, op.NoteID)
	if err != nil {
		return classify(err)
	}

	switch op.Kind {
	case KindCamera:
		if err := q.gateway.SaveCamera(ctx, op.NoteID, *op.Camera); err != nil {
			return classify(err)
		}
		q.notify(op, gateway.MutationResult{Version: serverVersion})
		return outcomeApplied, nil

	case KindClose:
		res, err := q.gateway.ClosePanel(ctx, op.NoteID, op.PanelID)
		if errors.Is(err, gateway.ErrNotFound) {
			return outcomeDiscarded, nil
		}
		if err != nil {
			return classify(err)
		}
		return q.committed(ctx, op, res)

	case KindDelete:
		res, err := q.gateway.DeletePanel(ctx, op.NoteID, op.PanelID)
		if errors.Is(err, gateway.ErrNotFound) {
			return outcomeApplied, nil
		}
		if err != nil {
			return classify(err)
		}
		return q.committed(ctx, op, res)

	case KindReopen:
		panel := op.Panel.Clone()
		panel.State = canvas.PanelStateActive
		server, err := q.gateway.GetPanel(ctx, op.NoteID, op.PanelID)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return classify(err)
		}
		if err == nil {
			keepUnchanged(&panel, server)
		}
		res, err := q.gateway.UpsertPanel(ctx, panel, nil)
		if err != nil {
			return classify(err)
		}
		return q.committed(ctx, op, res)

	case KindCreate, KindUpdate:
		return q.upsert(ctx, op, serverVersion)
	}
	return outcomeDeadLetter, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
}

func (q *Queue) upsert(ctx context.Context, op Operation, serverVersion int64) (outcome, error) {
	panel := op.Panel.Clone()
	server, err := q.gateway.GetPanel(ctx, op.NoteID, op.PanelID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		if op.Kind == KindUpdate && op.IssuedAtVersion < serverVersion {
			return q.discardStale(ctx, op, serverVersion, "panel deleted server-side")
		}
	case err != nil:
		return classify(err)
	default:
		keepUnchanged(&panel, server)
	}
	if err == nil && !server.Active() {
		if op.IssuedAtVersion < serverVersion {
			return q.discardStale(ctx, op, serverVersion, "panel closed server-side")
		}
		// Never resurrect: an update to a closed panel keeps it closed.
		panel.State = canvas.PanelStateClosed
	}

	expected := op.ExpectedRevision
	if op.Kind == KindCreate {
		expected = nil
	}
	for attempt := 0; ; attempt++ {
		res, err := q.gateway.UpsertPanel(ctx, panel, expected)
		if err == nil {
			return q.committed(ctx, op, res)
		}
		var conflict *gateway.ConflictError
		if !errors.As(err, &conflict) {
			return classify(err)
		}
		if q.conflictPolicy == ConflictServerWins {
			q.logger.Info().Str("opId", op.OpID).Int64("expected", conflict.Expected).Int64("actual", conflict.Actual).Msg("conflict; server wins")
			q.emit(telemetry.OpDiscarded, op, serverVersion, "conflict: server wins")
			return outcomeDiscarded, nil
		}
		if conflict.ServerState == canvas.PanelStateClosed || conflict.Actual == 0 {
			q.emit(telemetry.OpDiscarded, op, serverVersion, "conflict: panel closed or deleted server-side")
			return outcomeDiscarded, nil
		}
		if attempt >= maxConflictRefetches {
			return outcomeRetry, err
		}
		q.emit(telemetry.ConflictResolved, op, serverVersion, fmt.Sprintf("reapplied over revision %d", conflict.Actual))
		actual := conflict.Actual
		expected = &actual
	}
}

// keepUnchanged fills fields the op left nil from the stored panel. Panels
// hydrated from a snapshot carry no content or metadata.
func keepUnchanged(panel *canvas.Panel, server canvas.Panel) {
	if panel.Content == nil {
		panel.Content = server.Content
	}
	if panel.Metadata == nil {
		panel.Metadata = server.Metadata
	}
}

func (q *Queue) discardStale(ctx context.Context, op Operation, serverVersion int64, reason string) (outcome, error) {
	q.logger.Info().
		Str("opId", op.OpID).
		Str("noteId", op.NoteID).
		Str("panelId", op.PanelID).
		Int64("issuedAtVersion", op.IssuedAtVersion).
		Int64("serverVersion", serverVersion).
		Msg("discarding queued update: " + reason)
	q.emit(telemetry.VersionMismatchOnReplay, op, serverVersion, reason)
	if err := q.snapshots.Invalidate(ctx, op.NoteID); err != nil {
		q.logger.Warn().Err(err).Str("noteId", op.NoteID).Msg("snapshot invalidation failed")
	}
	return outcomeDiscarded, nil
}

// committed runs the local bookkeeping for a mutation the backing store
// accepted: bump the local version, drop the snapshot on close or delete,
// and tell the observer.
func (q *Queue) committed(ctx context.Context, op Operation, res gateway.MutationResult) (outcome, error) {
	if res.Changed {
		if _, err := q.versions.Bump(context.WithoutCancel(ctx), op.NoteID); err != nil {
			q.logger.Warn().Err(err).Str("noteId", op.NoteID).Msg("local version bump failed")
		}
		if op.Kind == KindClose || op.Kind == KindDelete {
			if err := q.snapshots.Invalidate(context.WithoutCancel(ctx), op.NoteID); err != nil {
				q.logger.Warn().Err(err).Str("noteId", op.NoteID).Msg("snapshot invalidation failed")
			}
			q.emit(telemetry.SnapshotInvalidated, op, res.Version, string(op.Kind))
		}
	}
	q.emit(telemetry.OpApplied, op, res.Version, string(op.Kind))
	q.notify(op, res)
	return outcomeApplied, nil
}

func (q *Queue) notify(op Operation, res gateway.MutationResult) {
	q.mu.Lock()
	observer := q.observer
	q.mu.Unlock()
	if observer != nil {
		observer(Applied{Op: op, Result: res})
	}
}

func classify(err error) (outcome, error) {
	switch {
	case err == nil:
		return outcomeApplied, nil
	case errors.Is(err, context.Canceled):
		return outcomeRetry, err
	case errors.Is(err, gateway.ErrInvalid), errors.Is(err, gateway.ErrInvalidInput), errors.Is(err, canvas.ErrInvalidPanel):
		return outcomeDeadLetter, err
	default:
		return outcomeRetry, err
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return truncateError(err.Error())
}

func truncateError(text string) string {
	const limit = 512
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
