package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

// Failover fronts a primary backing store with a local secondary. While the
// primary answers, writes go there and are mirrored to the secondary. Once
// the primary reports unavailable the gateway is degraded: writes land on the
// secondary and in the replication log, and reads stay on the secondary until
// Recover has replayed the log.
type Failover struct {
	primary   Gateway
	secondary Gateway
	log       ReplicationLog
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	degraded   bool
	degradedAt time.Time
	recoverMu  sync.Mutex
}

type FailoverOptions struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewFailover(primary, secondary Gateway, log ReplicationLog, opts FailoverOptions) *Failover {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Failover{
		primary:   primary,
		secondary: secondary,
		log:       log,
		logger:    opts.Logger.With().Str("component", "failover").Logger(),
		now:       now,
	}
}

// NewFailoverFromState starts degraded when the log still holds entries from
// a previous run, so reads keep coming from the secondary until they are
// replayed.
func NewFailoverFromState(ctx context.Context, primary, secondary Gateway, log ReplicationLog, opts FailoverOptions) (*Failover, error) {
	f := NewFailover(primary, secondary, log, opts)
	stats, err := log.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if stats.Pending > 0 {
		f.degraded = true
		f.degradedAt = f.now().UTC()
	}
	return f, nil
}

func (f *Failover) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

type FailoverStatus struct {
	Degraded   bool      `json:"degraded"`
	DegradedAt time.Time `json:"degradedAt,omitempty"`
	Log        LogStats  `json:"log"`
}

func (f *Failover) Status(ctx context.Context) (FailoverStatus, error) {
	f.mu.RLock()
	status := FailoverStatus{Degraded: f.degraded, DegradedAt: f.degradedAt}
	f.mu.RUnlock()
	stats, err := f.log.Stats(ctx)
	if err != nil {
		return status, err
	}
	status.Log = stats
	return status, nil
}

func (f *Failover) markDegraded(op string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return
	}
	f.degraded = true
	f.degradedAt = f.now().UTC()
	f.logger.Warn().Err(cause).Str("op", op).Msg("primary backing store unavailable; switching to secondary")
}

func read[T any](ctx context.Context, f *Failover, op string, call func(g Gateway) (T, error)) (T, error) {
	if !f.Degraded() {
		out, err := call(f.primary)
		if err == nil || !IsUnavailable(err) {
			return out, err
		}
		f.markDegraded(op, err)
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	return call(f.secondary)
}

// write runs a mutation against the primary, falling back to the secondary
// plus a log entry. mirror re-applies a successful primary write to the
// secondary and may be nil.
func write[T any](ctx context.Context, f *Failover, op string, entry ReplicationEntry, call func(g Gateway) (T, error), mirror func(g Gateway) error) (T, error) {
	if !f.Degraded() {
		out, err := call(f.primary)
		if err == nil {
			if mirror != nil {
				if merr := mirror(f.secondary); merr != nil {
					f.logger.Debug().Err(merr).Str("op", op).Str("noteId", entry.NoteID).Msg("mirror to secondary failed")
				}
			}
			return out, nil
		}
		if !IsUnavailable(err) {
			return out, err
		}
		f.markDegraded(op, err)
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if entry.Kind == EntryUpsert && entry.Panel != nil {
		entry.Intent = f.upsertIntent(ctx, *entry.Panel)
	}
	out, err := call(f.secondary)
	if err != nil {
		return zero, err
	}
	entry.RecordedAt = f.now().UTC()
	if _, err := f.log.Append(ctx, entry); err != nil {
		return zero, unavailable(op, err)
	}
	return out, nil
}

// upsertIntent classifies a degraded upsert against the secondary's copy so
// replay can tell an explicit reopen from an edit of a still active panel.
func (f *Failover) upsertIntent(ctx context.Context, panel canvas.Panel) UpsertIntent {
	current, err := f.secondary.GetPanel(ctx, panel.NoteID, panel.PanelID)
	switch {
	case errors.Is(err, ErrNotFound):
		return IntentCreate
	case err == nil && !current.Active() && panel.Active():
		return IntentReopen
	default:
		return IntentUpdate
	}
}

func (f *Failover) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err != nil {
		if IsUnavailable(err) {
			f.markDegraded("ping", err)
		}
		return err
	}
	return nil
}

func (f *Failover) GetVersion(ctx context.Context, noteID string) (int64, error) {
	return read(ctx, f, "getVersion", func(g Gateway) (int64, error) { return g.GetVersion(ctx, noteID) })
}

func (f *Failover) GetNote(ctx context.Context, noteID string) (NoteRecord, error) {
	return read(ctx, f, "getNote", func(g Gateway) (NoteRecord, error) { return g.GetNote(ctx, noteID) })
}

func (f *Failover) ListActivePanels(ctx context.Context, noteID string) ([]canvas.Panel, error) {
	degraded := f.Degraded()
	panels, err := read(ctx, f, "listActivePanels", func(g Gateway) ([]canvas.Panel, error) { return g.ListActivePanels(ctx, noteID) })
	if err == nil && !degraded && !f.Degraded() {
		f.seed(ctx, panels)
	}
	return panels, err
}

// seed copies panels the secondary is missing or holds with another layout,
// so that a later outage finds parents in place for new branches. Roots go
// first. A failure here only costs freshness of the secondary.
func (f *Failover) seed(ctx context.Context, panels []canvas.Panel) {
	ordered := make([]canvas.Panel, 0, len(panels))
	for _, panel := range panels {
		if panel.ParentID == "" {
			ordered = append(ordered, panel)
		}
	}
	for _, panel := range panels {
		if panel.ParentID != "" {
			ordered = append(ordered, panel)
		}
	}
	for _, panel := range ordered {
		current, err := f.secondary.GetPanel(ctx, panel.NoteID, panel.PanelID)
		if err == nil && sameLayout(current, panel) {
			continue
		}
		if _, err := f.secondary.UpsertPanel(ctx, panel, nil); err != nil {
			f.logger.Debug().Err(err).Str("noteId", panel.NoteID).Str("panelId", panel.PanelID).Msg("seed secondary failed")
		}
	}
}

func (f *Failover) GetPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	return read(ctx, f, "getPanel", func(g Gateway) (canvas.Panel, error) { return g.GetPanel(ctx, noteID, panelID) })
}

func (f *Failover) GetCamera(ctx context.Context, noteID string) (canvas.Camera, bool, error) {
	res, err := read(ctx, f, "getCamera", func(g Gateway) (cameraResult, error) {
		camera, ok, err := g.GetCamera(ctx, noteID)
		return cameraResult{camera: camera, ok: ok}, err
	})
	return res.camera, res.ok, err
}

func (f *Failover) SetNoteOpen(ctx context.Context, noteID string, open bool) (NoteRecord, error) {
	entry := ReplicationEntry{Kind: EntryNoteOpen, NoteID: noteID, Open: open}
	return write(ctx, f, "setNoteOpen", entry,
		func(g Gateway) (NoteRecord, error) { return g.SetNoteOpen(ctx, noteID, open) },
		func(g Gateway) error {
			_, err := g.SetNoteOpen(ctx, noteID, open)
			return err
		})
}

func (f *Failover) UpsertPanel(ctx context.Context, panel canvas.Panel, expectedRevision *int64) (MutationResult, error) {
	stored := panel.Clone()
	entry := ReplicationEntry{Kind: EntryUpsert, NoteID: panel.NoteID, PanelID: panel.PanelID, Panel: &stored}
	return write(ctx, f, "upsertPanel", entry,
		func(g Gateway) (MutationResult, error) { return g.UpsertPanel(ctx, panel, expectedRevision) },
		func(g Gateway) error {
			_, err := g.UpsertPanel(ctx, panel, nil)
			return err
		})
}

func (f *Failover) ClosePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	entry := ReplicationEntry{Kind: EntryClose, NoteID: noteID, PanelID: panelID}
	return write(ctx, f, "closePanel", entry,
		func(g Gateway) (MutationResult, error) { return g.ClosePanel(ctx, noteID, panelID) },
		func(g Gateway) error {
			_, err := g.ClosePanel(ctx, noteID, panelID)
			return ignoreNotFound(err)
		})
}

func (f *Failover) DeletePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	entry := ReplicationEntry{Kind: EntryDelete, NoteID: noteID, PanelID: panelID}
	return write(ctx, f, "deletePanel", entry,
		func(g Gateway) (MutationResult, error) { return g.DeletePanel(ctx, noteID, panelID) },
		func(g Gateway) error {
			_, err := g.DeletePanel(ctx, noteID, panelID)
			return ignoreNotFound(err)
		})
}

func (f *Failover) SaveCamera(ctx context.Context, noteID string, camera canvas.Camera) error {
	cam := camera
	entry := ReplicationEntry{Kind: EntryCamera, NoteID: noteID, Camera: &cam}
	_, err := write(ctx, f, "saveCamera", entry,
		func(g Gateway) (struct{}, error) { return struct{}{}, g.SaveCamera(ctx, noteID, camera) },
		func(g Gateway) error { return g.SaveCamera(ctx, noteID, camera) })
	return err
}

type RecoverResult struct {
	Replayed  int  `json:"replayed"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
	Degraded  bool `json:"degraded"`
}

const recoverBatchSize = 128

var errSupersededOnPrimary = errors.New("superseded on primary")

// Recover replays unsynced log entries against the primary in sequence order
// and leaves degraded mode once the log is drained. Replay is last writer
// wins, except that an upsert never reactivates a panel the primary closed
// or deleted meanwhile unless it was an explicit reopen; such entries are
// dropped and the secondary is brought back in line. Close or delete of a
// panel the primary no longer has counts as applied. Entries the primary
// rejects as invalid are dropped so they cannot wedge the log.
func (f *Failover) Recover(ctx context.Context) (RecoverResult, error) {
	f.recoverMu.Lock()
	defer f.recoverMu.Unlock()

	var result RecoverResult
	if err := f.primary.Ping(ctx); err != nil {
		result.Degraded = f.Degraded()
		if stats, serr := f.log.Stats(ctx); serr == nil {
			result.Remaining = stats.Pending
		}
		return result, err
	}
	for {
		batch, err := f.log.Pending(ctx, recoverBatchSize)
		if err != nil {
			result.Degraded = f.Degraded()
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			err := f.replay(ctx, entry)
			switch {
			case err == nil:
				result.Replayed++
			case errors.Is(err, errSupersededOnPrimary):
				result.Dropped++
				f.logger.Info().Err(err).Uint64("seq", entry.Seq).Str("noteId", entry.NoteID).Str("panelId", entry.PanelID).
					Msg("dropping replication entry superseded on primary")
			case errors.Is(err, ErrInvalid) || errors.Is(err, ErrInvalidInput):
				result.Dropped++
				f.logger.Warn().Err(err).Uint64("seq", entry.Seq).Str("kind", string(entry.Kind)).Str("noteId", entry.NoteID).
					Msg("dropping replication entry rejected by primary")
			default:
				stats, _ := f.log.Stats(ctx)
				result.Remaining = stats.Pending
				result.Degraded = f.Degraded()
				return result, err
			}
			if err := f.log.MarkSynced(ctx, entry.Seq); err != nil {
				result.Degraded = f.Degraded()
				return result, err
			}
		}
	}

	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = false
	f.degradedAt = time.Time{}
	f.mu.Unlock()
	if wasDegraded {
		f.logger.Info().Int("replayed", result.Replayed).Int("dropped", result.Dropped).Msg("primary backing store recovered")
	}
	return result, nil
}

func (f *Failover) replay(ctx context.Context, entry ReplicationEntry) error {
	switch entry.Kind {
	case EntryUpsert:
		if entry.Panel == nil {
			return invalid("upsert entry without panel")
		}
		panel := *entry.Panel
		current, err := f.primary.GetPanel(ctx, panel.NoteID, panel.PanelID)
		switch {
		case errors.Is(err, ErrNotFound):
			if entry.Intent == IntentUpdate || entry.Intent == IntentReopen {
				return f.settleSecondary(ctx, panel, true, fmt.Errorf("%w: panel %s deleted", errSupersededOnPrimary, panel.PanelID))
			}
		case err != nil:
			return err
		case !current.Active() && panel.Active() && entry.Intent != IntentReopen:
			return f.settleSecondary(ctx, panel, false, fmt.Errorf("%w: panel %s closed", errSupersededOnPrimary, panel.PanelID))
		}
		if panel.ParentID != "" {
			// A parent created and then deleted on the secondary may be
			// gone here; keep the child rather than lose it.
			if _, err := f.primary.GetPanel(ctx, panel.NoteID, panel.ParentID); errors.Is(err, ErrNotFound) {
				panel.ParentID = ""
			}
		}
		_, err = f.primary.UpsertPanel(ctx, panel, nil)
		return err
	case EntryClose:
		_, err := f.primary.ClosePanel(ctx, entry.NoteID, entry.PanelID)
		return ignoreNotFound(err)
	case EntryDelete:
		_, err := f.primary.DeletePanel(ctx, entry.NoteID, entry.PanelID)
		return ignoreNotFound(err)
	case EntryCamera:
		if entry.Camera == nil {
			return invalid("camera entry without camera")
		}
		return f.primary.SaveCamera(ctx, entry.NoteID, *entry.Camera)
	case EntryNoteOpen:
		_, err := f.primary.SetNoteOpen(ctx, entry.NoteID, entry.Open)
		return err
	default:
		return invalid("unknown replication entry kind " + string(entry.Kind))
	}
}

// settleSecondary brings the secondary's copy in line with a primary that
// closed or deleted the panel, then returns cause.
func (f *Failover) settleSecondary(ctx context.Context, panel canvas.Panel, deleted bool, cause error) error {
	var err error
	if deleted {
		_, err = f.secondary.DeletePanel(ctx, panel.NoteID, panel.PanelID)
	} else {
		_, err = f.secondary.ClosePanel(ctx, panel.NoteID, panel.PanelID)
	}
	if ignoreNotFound(err) != nil {
		f.logger.Debug().Err(err).Str("noteId", panel.NoteID).Str("panelId", panel.PanelID).Msg("closing superseded panel on secondary failed")
	}
	return cause
}

func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close(), f.log.Close())
}

// sameLayout ignores revision and timestamps, which each store assigns on
// its own.
func sameLayout(a, b canvas.Panel) bool {
	return a.Type == b.Type && a.Position == b.Position && a.Size == b.Size && a.ZIndex == b.ZIndex &&
		a.State == b.State && a.ParentID == b.ParentID && a.Title == b.Title
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
