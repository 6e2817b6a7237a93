// Package workspace hosts one canvas workspace: the ordered set of open
// notes, their in-memory panels, and the shared camera. Every edit is applied
// to the in-memory model first, queued durably, and replayed to the backing
// store right away when it is reachable.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/localstore"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/versions"
)

var (
	ErrNoteNotOpen      = errors.New("note is not open in this workspace")
	ErrPanelNotFound    = errors.New("panel not found")
	ErrSuperseded       = errors.New("hydration superseded")
	ErrWatchUnsupported = errors.New("local store cannot report changes")
	ErrClosed           = errors.New("workspace session closed")
)

const (
	cameraKey      = "camera"
	persistTimeout = 10 * time.Second
)

type Deps struct {
	Gateway   gateway.Gateway
	Local     localstore.Store
	Versions  *versions.Store
	Snapshots *snapshot.Cache
	Queue     *offlinequeue.Queue
	Hydrator  *hydrate.Orchestrator
	// Failover is set when the gateway runs in dual-target mode.
	Failover *gateway.Failover
}

type Options struct {
	Logger           zerolog.Logger
	Telemetry        *telemetry.Emitter
	CameraDebounce   time.Duration
	SnapshotDebounce time.Duration
	MinZoom          float64
	MaxZoom          float64
	// ManualFlush leaves queued writes for Sync instead of replaying them
	// right after each edit.
	ManualFlush bool
}

type noteModel struct {
	noteID     string
	generation uint64
	// edits counts local mutations so a background refresh can tell that
	// the model moved on while it was fetching.
	edits uint64
	// version is the backing store version the model is known to cover.
	// It only follows commits that land directly on top of it; stale is set
	// once another writer got in between.
	version  int64
	stale    bool
	source   hydrate.Source
	degraded bool
	resync   bool
	panels   map[string]canvas.Panel
	z        *canvas.ZCounter
}

func newNoteModel(noteID string, generation uint64) *noteModel {
	return &noteModel{
		noteID:     noteID,
		generation: generation,
		panels:     map[string]canvas.Panel{},
		z:          canvas.NewZCounter(),
	}
}

func (m *noteModel) activePanels() []canvas.Panel {
	out := make([]canvas.Panel, 0, len(m.panels))
	for _, panel := range m.panels {
		if panel.Active() {
			out = append(out, panel.Clone())
		}
	}
	canvas.SortByZ(out)
	return out
}

type Session struct {
	deps        Deps
	logger      zerolog.Logger
	telemetry   *telemetry.Emitter
	viewport    *Viewport
	camera      *Debouncer
	snapshots   *Debouncer
	manualFlush bool

	mu         sync.Mutex
	order      []string
	notes      map[string]*noteModel
	generation uint64
	closed     bool

	background  sync.WaitGroup
	watchCancel context.CancelFunc
}

func NewSession(deps Deps, opts Options) (*Session, error) {
	if deps.Gateway == nil || deps.Versions == nil || deps.Snapshots == nil || deps.Queue == nil || deps.Hydrator == nil {
		return nil, errors.New("workspace: incomplete dependencies")
	}
	s := &Session{
		deps:        deps,
		logger:      opts.Logger.With().Str("component", "workspace").Logger(),
		telemetry:   opts.Telemetry,
		viewport:    NewViewport(canvas.DefaultCamera(), opts.MinZoom, opts.MaxZoom),
		camera:      NewDebouncer(opts.CameraDebounce),
		snapshots:   NewDebouncer(opts.SnapshotDebounce),
		manualFlush: opts.ManualFlush,
		notes:       map[string]*noteModel{},
	}
	deps.Queue.SetObserver(s.applyCommitted)
	return s, nil
}

// Load hydrates the workspace from a list of notes, for example on startup.
// It does not mark notes open in the backing store; only Open does that.
func (s *Session) Load(ctx context.Context, noteIDs []string) (hydrate.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return hydrate.Result{}, ErrClosed
	}
	gens := make(map[string]uint64, len(noteIDs))
	for _, noteID := range noteIDs {
		noteID = strings.TrimSpace(noteID)
		if noteID == "" {
			continue
		}
		s.generation++
		gens[noteID] = s.generation
		if _, ok := s.notes[noteID]; !ok {
			s.order = append(s.order, noteID)
		}
		s.notes[noteID] = newNoteModel(noteID, s.generation)
	}
	s.mu.Unlock()

	result, err := s.deps.Hydrator.Hydrate(ctx, noteIDs)
	if err != nil {
		return hydrate.Result{}, err
	}
	s.viewport.Reset(result.Camera)
	for _, note := range result.Notes {
		if !s.install(note, gens[note.NoteID], nil) {
			s.logger.Debug().Str("noteId", note.NoteID).Msg("discarding superseded hydration")
		}
	}
	return result, nil
}

// Open is the explicit user action that adds a note to the workspace. It is
// the only place a note is marked open in the backing store.
func (s *Session) Open(ctx context.Context, noteID string) (hydrate.NoteResult, error) {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return hydrate.NoteResult{}, versions.ErrInvalidNoteID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return hydrate.NoteResult{}, ErrClosed
	}
	s.generation++
	gen := s.generation
	if _, ok := s.notes[noteID]; !ok {
		s.order = append(s.order, noteID)
	}
	s.notes[noteID] = newNoteModel(noteID, gen)
	anchor := s.order[0] == noteID
	s.mu.Unlock()

	if _, err := s.deps.Gateway.SetNoteOpen(ctx, noteID, true); err != nil {
		s.logger.Warn().Err(err).Str("noteId", noteID).Msg("failed to mark note open")
	}
	result, err := s.deps.Hydrator.HydrateNote(ctx, noteID)
	if err != nil {
		return hydrate.NoteResult{}, err
	}
	if anchor {
		s.viewport.Reset(result.Camera)
	}
	if !s.install(result, gen, nil) {
		return hydrate.NoteResult{}, ErrSuperseded
	}
	result.Rendered = canvas.RenderPanels(result.Panels, s.viewport.Draft())
	return result, nil
}

// CloseNote removes the note from the workspace. A hydration still running
// for it is discarded when it finishes.
func (s *Session) CloseNote(ctx context.Context, noteID string) error {
	s.snapshots.Flush(snapshotKey(noteID))
	s.mu.Lock()
	if _, ok := s.notes[noteID]; !ok {
		s.mu.Unlock()
		return ErrNoteNotOpen
	}
	delete(s.notes, noteID)
	s.generation++
	for i, id := range s.order {
		if id == noteID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if _, err := s.deps.Gateway.SetNoteOpen(ctx, noteID, false); err != nil {
		s.logger.Warn().Err(err).Str("noteId", noteID).Msg("failed to mark note closed")
	}
	return nil
}

// install swaps in a hydration result unless the note was closed, reopened,
// or (when edits is set) edited since the load started.
func (s *Session) install(result hydrate.NoteResult, gen uint64, edits *uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[result.NoteID]
	if !ok || m.generation != gen {
		return false
	}
	if edits != nil && m.edits != *edits {
		return false
	}
	m.panels = make(map[string]canvas.Panel, len(result.Panels))
	m.z = canvas.NewZCounter()
	for _, panel := range result.Panels {
		m.panels[panel.PanelID] = panel.Clone()
		m.z.Observe(panel.ZIndex)
	}
	m.version = result.Version
	m.stale = false
	m.source = result.Source
	m.degraded = result.Degraded
	m.resync = result.ResyncPending
	return true
}

func (s *Session) Notes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Panels renders the note's active panels with the current draft camera.
func (s *Session) Panels(noteID string) ([]canvas.RenderedPanel, error) {
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoteNotOpen
	}
	panels := m.activePanels()
	s.mu.Unlock()
	return canvas.RenderPanels(panels, s.viewport.Draft()), nil
}

func (s *Session) Panel(noteID, panelID string) (canvas.Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[noteID]
	if !ok {
		return canvas.Panel{}, ErrNoteNotOpen
	}
	panel, ok := m.panels[panelID]
	if !ok {
		return canvas.Panel{}, ErrPanelNotFound
	}
	return panel.Clone(), nil
}

// NewPanel describes a panel the user just placed, in screen coordinates.
type NewPanel struct {
	Main           bool
	Type           canvas.PanelType
	ParentID       string
	Title          string
	Content        []byte
	Metadata       map[string]any
	ScreenPosition canvas.ScreenPoint
	ScreenSize     canvas.ScreenSize
}

func (s *Session) CreatePanel(ctx context.Context, noteID string, input NewPanel) (canvas.Panel, error) {
	camera := s.viewport.Draft()
	panel := canvas.Panel{
		NoteID:   noteID,
		PanelID:  canvas.NewBranchPanelID(),
		Type:     input.Type,
		Position: canvas.ScreenToWorld(input.ScreenPosition, camera, camera.Zoom),
		Size:     canvas.SizeScreenToWorld(input.ScreenSize, camera.Zoom),
		State:    canvas.PanelStateActive,
		ParentID: input.ParentID,
		Title:    input.Title,
		Content:  append([]byte(nil), input.Content...),
		Metadata: input.Metadata,
	}
	if input.Main {
		panel.PanelID = canvas.MainPanelID
		panel.ParentID = ""
	}
	if panel.Type == "" {
		panel.Type = canvas.PanelTypeBranch
		if input.Main {
			panel.Type = canvas.PanelTypeEditor
		}
	}

	unlock := s.deps.Queue.LockPanel(noteID, panel.PanelID)
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		unlock()
		return canvas.Panel{}, ErrNoteNotOpen
	}
	if _, exists := m.panels[panel.PanelID]; exists {
		s.mu.Unlock()
		unlock()
		return canvas.Panel{}, fmt.Errorf("%w: panel %s already exists", canvas.ErrInvalidPanel, panel.PanelID)
	}
	if panel.ParentID != "" {
		if parent, ok := m.panels[panel.ParentID]; !ok || !parent.Active() {
			s.mu.Unlock()
			unlock()
			return canvas.Panel{}, fmt.Errorf("%w: parent %s is not open", canvas.ErrInvalidPanel, panel.ParentID)
		}
	}
	compacted := s.assignZLocked(m, &panel)
	if err := panel.Validate(); err != nil {
		s.mu.Unlock()
		unlock()
		return canvas.Panel{}, err
	}
	m.panels[panel.PanelID] = panel.Clone()
	m.edits++
	s.mu.Unlock()

	_, err := s.deps.Queue.Enqueue(ctx, offlinequeue.CreateOp(panel))
	unlock()
	if err != nil {
		s.rollback(noteID, panel.PanelID, nil)
		return canvas.Panel{}, err
	}
	s.enqueueCompacted(ctx, compacted)
	s.afterWrite(ctx, noteID)
	return panel, nil
}

// assignZLocked gives the panel the next z-index, compacting the note when
// the range is used up. It returns the panels whose z-index moved.
func (s *Session) assignZLocked(m *noteModel, panel *canvas.Panel) []canvas.Panel {
	z, ok := m.z.Next()
	if ok {
		panel.ZIndex = z
		return nil
	}
	others := make([]canvas.Panel, 0, len(m.panels))
	for _, p := range m.panels {
		if p.Active() && p.PanelID != panel.PanelID {
			others = append(others, p)
		}
	}
	changed := m.z.Compact(others)
	for _, p := range changed {
		m.panels[p.PanelID] = p
	}
	panel.ZIndex, _ = m.z.Next()
	return changed
}

func (s *Session) enqueueCompacted(ctx context.Context, panels []canvas.Panel) {
	for _, panel := range panels {
		if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.UpdateOp(panel, expectedRevision(panel))); err != nil {
			s.logger.Warn().Err(err).Str("noteId", panel.NoteID).Str("panelId", panel.PanelID).Msg("failed to queue z-order compaction")
		}
	}
}

// MovePanel is the drag-end handler. It persists immediately.
func (s *Session) MovePanel(ctx context.Context, noteID, panelID string, screen canvas.ScreenPoint) (canvas.Panel, error) {
	camera := s.viewport.Draft()
	return s.update(ctx, noteID, panelID, func(p *canvas.Panel) error {
		p.Position = canvas.ScreenToWorld(screen, camera, camera.Zoom)
		return nil
	})
}

func (s *Session) ResizePanel(ctx context.Context, noteID, panelID string, size canvas.ScreenSize) (canvas.Panel, error) {
	camera := s.viewport.Draft()
	return s.update(ctx, noteID, panelID, func(p *canvas.Panel) error {
		p.Size = canvas.SizeScreenToWorld(size, camera.Zoom)
		return nil
	})
}

func (s *Session) EditPanel(ctx context.Context, noteID, panelID, title string, content []byte) (canvas.Panel, error) {
	return s.update(ctx, noteID, panelID, func(p *canvas.Panel) error {
		p.Title = title
		p.Content = append([]byte(nil), content...)
		return nil
	})
}

func (s *Session) BringToFront(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	var compacted []canvas.Panel
	panel, err := s.update(ctx, noteID, panelID, func(p *canvas.Panel) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.notes[noteID]; ok {
			compacted = s.assignZLocked(m, p)
		}
		return nil
	})
	if err == nil {
		s.enqueueCompacted(ctx, compacted)
	}
	return panel, err
}

// update applies fn to an active panel under the panel lock and queues the
// result.
func (s *Session) update(ctx context.Context, noteID, panelID string, fn func(*canvas.Panel) error) (canvas.Panel, error) {
	unlock := s.deps.Queue.LockPanel(noteID, panelID)
	defer unlock()

	prev, err := s.Panel(noteID, panelID)
	if err != nil {
		return canvas.Panel{}, err
	}
	if !prev.Active() {
		return canvas.Panel{}, fmt.Errorf("%w: panel %s is closed", canvas.ErrInvalidPanel, panelID)
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return canvas.Panel{}, err
	}
	if err := next.Validate(); err != nil {
		return canvas.Panel{}, err
	}
	if err := s.store(next); err != nil {
		return canvas.Panel{}, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.UpdateOp(next, expectedRevision(prev))); err != nil {
		s.rollback(noteID, panelID, &prev)
		return canvas.Panel{}, err
	}
	unlock()
	s.afterWrite(ctx, noteID)
	return next, nil
}

// ClosePanel hides the panel at once and drops the note's snapshot before
// the close reaches the backing store, so a reload in between cannot bring
// the panel back from cache.
func (s *Session) ClosePanel(ctx context.Context, noteID, panelID string) error {
	unlock := s.deps.Queue.LockPanel(noteID, panelID)
	defer unlock()
	prev, err := s.Panel(noteID, panelID)
	if err != nil {
		return err
	}
	if !prev.Active() {
		return nil
	}
	next := prev.Clone()
	next.State = canvas.PanelStateClosed
	if err := s.store(next); err != nil {
		return err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.CloseOp(noteID, panelID)); err != nil {
		s.rollback(noteID, panelID, &prev)
		return err
	}
	if err := s.deps.Snapshots.Invalidate(ctx, noteID); err != nil {
		s.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot invalidation failed")
	}
	s.emit(telemetry.SnapshotInvalidated, noteID, "close")
	unlock()
	s.afterWrite(ctx, noteID)
	return nil
}

// ReopenPanel is the explicit user action that brings a closed panel back.
func (s *Session) ReopenPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	unlock := s.deps.Queue.LockPanel(noteID, panelID)
	defer unlock()
	prev, err := s.Panel(noteID, panelID)
	if err != nil {
		return canvas.Panel{}, err
	}
	if prev.Active() {
		return prev, nil
	}
	next := prev.Clone()
	next.State = canvas.PanelStateActive
	s.mu.Lock()
	var compacted []canvas.Panel
	if m, ok := s.notes[noteID]; ok {
		compacted = s.assignZLocked(m, &next)
	}
	s.mu.Unlock()
	if err := s.store(next); err != nil {
		return canvas.Panel{}, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.ReopenOp(next)); err != nil {
		s.rollback(noteID, panelID, &prev)
		return canvas.Panel{}, err
	}
	unlock()
	s.enqueueCompacted(ctx, compacted)
	s.afterWrite(ctx, noteID)
	return next, nil
}

func (s *Session) DeletePanel(ctx context.Context, noteID, panelID string) error {
	unlock := s.deps.Queue.LockPanel(noteID, panelID)
	defer unlock()
	prev, err := s.Panel(noteID, panelID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return ErrNoteNotOpen
	}
	for _, other := range m.panels {
		if other.ParentID == panelID {
			s.mu.Unlock()
			return fmt.Errorf("%w: panel %s still has children", canvas.ErrInvalidPanel, panelID)
		}
	}
	delete(m.panels, panelID)
	m.edits++
	s.mu.Unlock()
	if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.DeleteOp(noteID, panelID)); err != nil {
		s.rollback(noteID, panelID, &prev)
		return err
	}
	if err := s.deps.Snapshots.Invalidate(ctx, noteID); err != nil {
		s.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot invalidation failed")
	}
	s.emit(telemetry.SnapshotInvalidated, noteID, "delete")
	unlock()
	s.afterWrite(ctx, noteID)
	return nil
}

func (s *Session) store(panel canvas.Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[panel.NoteID]
	if !ok {
		return ErrNoteNotOpen
	}
	m.panels[panel.PanelID] = panel.Clone()
	m.edits++
	return nil
}

// rollback undoes a model change whose op could not be queued. A nil prev
// removes the panel.
func (s *Session) rollback(noteID, panelID string, prev *canvas.Panel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[noteID]
	if !ok {
		return
	}
	if prev == nil {
		delete(m.panels, panelID)
		return
	}
	m.panels[panelID] = prev.Clone()
}

// applyCommitted reflects an op the backing store accepted into the model.
// It runs on the flushing goroutine with the panel lock held.
func (s *Session) applyCommitted(applied offlinequeue.Applied) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.notes[applied.Op.NoteID]
	if !ok {
		return
	}
	switch res := applied.Result; {
	case res.Changed && res.Version == m.version+1:
		m.version = res.Version
	case res.Changed || res.Version > m.version:
		m.stale = true
		m.resync = true
	}
	if applied.Op.Kind == offlinequeue.KindCamera || applied.Op.Kind == offlinequeue.KindDelete {
		return
	}
	server := applied.Result.Panel
	current, ok := m.panels[applied.Op.PanelID]
	if !ok || server.PanelID == "" {
		return
	}
	current.Revision = server.Revision
	if server.State == canvas.PanelStateClosed {
		current.State = canvas.PanelStateClosed
	}
	m.panels[applied.Op.PanelID] = current
}

// Camera returns the draft camera, the one the workspace renders with.
func (s *Session) Camera() canvas.Camera {
	return s.viewport.Draft()
}

func (s *Session) Pan(dx, dy float64) canvas.Camera {
	camera := s.viewport.Pan(dx, dy)
	s.camera.Trigger(cameraKey, s.persistCameraDetached)
	return camera
}

func (s *Session) ZoomAt(factor float64, anchor canvas.ScreenPoint) canvas.Camera {
	camera := s.viewport.ZoomAt(factor, anchor)
	s.camera.Trigger(cameraKey, s.persistCameraDetached)
	return camera
}

// SyncCamera persists the draft camera now instead of waiting for the
// debounce.
func (s *Session) SyncCamera(ctx context.Context) error {
	s.camera.Flush(cameraKey)
	return s.persistCamera(ctx)
}

func (s *Session) persistCameraDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persistCamera(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("camera persistence failed")
	}
}

// persistCamera stores the shared camera on the first note of the workspace.
func (s *Session) persistCamera(ctx context.Context) error {
	camera, changed := s.viewport.Sync()
	if !changed {
		return nil
	}
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return nil
	}
	anchor := s.order[0]
	s.mu.Unlock()
	if _, err := s.deps.Queue.Enqueue(ctx, offlinequeue.CameraOp(anchor, camera)); err != nil {
		return err
	}
	s.afterWrite(ctx, anchor)
	return nil
}

// afterWrite schedules the debounced snapshot re-save and replays the note's
// queue unless flushing is manual.
func (s *Session) afterWrite(ctx context.Context, noteID string) {
	s.scheduleSnapshot(noteID)
	if s.manualFlush {
		return
	}
	res, err := s.deps.Queue.FlushNote(ctx, noteID)
	if err != nil {
		s.logger.Debug().Err(err).Str("noteId", noteID).Msg("flush after write failed")
		return
	}
	if res.Failed > 0 {
		s.logger.Debug().Str("noteId", noteID).Int("waiting", res.Remaining).Msg("write queued for later sync")
	}
}

func snapshotKey(noteID string) string {
	return "snapshot:" + noteID
}

func (s *Session) scheduleSnapshot(noteID string) {
	s.snapshots.Trigger(snapshotKey(noteID), func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.saveSnapshot(ctx, noteID); err != nil {
			s.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot re-save failed")
		}
	})
}

// saveSnapshot writes the note's model tagged with the backing version the
// model covers. A stale model is never written: the snapshot is dropped and
// the note reloaded once its queue is idle.
func (s *Session) saveSnapshot(ctx context.Context, noteID string) error {
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	panels := m.activePanels()
	version, stale := m.version, m.stale
	s.mu.Unlock()

	if !stale {
		return s.deps.Snapshots.Save(ctx, noteID, version, panels, s.viewport.Authoritative())
	}
	if err := s.deps.Snapshots.Invalidate(ctx, noteID); err != nil {
		return err
	}
	s.emit(telemetry.SnapshotInvalidated, noteID, "model behind backing store")
	if s.deps.Queue.Status(noteID).Waiting() > 0 {
		return nil
	}
	_, err := s.Refresh(ctx, noteID)
	return err
}

// FlushSnapshots writes every pending snapshot re-save now.
func (s *Session) FlushSnapshots() {
	s.snapshots.FlushAll()
}

type SyncResult struct {
	Flush      offlinequeue.FlushResult `json:"flush"`
	Recover    *gateway.RecoverResult   `json:"recover,omitempty"`
	Rehydrated []string                 `json:"rehydrated,omitempty"`
	Errors     []string                 `json:"errors,omitempty"`
}

// Sync is the "sync now" action: drain the replication log if the primary
// store is back, replay the offline queue, then reload notes that were
// hydrated degraded and have nothing left in the queue.
func (s *Session) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	wasDegraded := s.deps.Failover != nil && s.deps.Failover.Degraded()
	if f := s.deps.Failover; wasDegraded {
		recovered, err := f.Recover(ctx)
		result.Recover = &recovered
		if err != nil {
			result.Errors = append(result.Errors, "recover: "+err.Error())
		} else if !recovered.Degraded {
			s.emit(telemetry.BackingRecovered, "", fmt.Sprintf("replayed %d", recovered.Replayed))
		}
	}

	flushed, err := s.deps.Queue.Flush(ctx)
	result.Flush = flushed
	if err != nil {
		if ctx.Err() != nil {
			return result, err
		}
		result.Errors = append(result.Errors, "flush: "+err.Error())
	}
	if !wasDegraded && s.deps.Failover != nil && s.deps.Failover.Degraded() {
		s.emit(telemetry.BackingDegraded, "", "primary backing store unavailable")
	}

	for _, noteID := range s.resyncCandidates() {
		if s.deps.Queue.Status(noteID).Waiting() > 0 {
			continue
		}
		ok, err := s.Refresh(ctx, noteID)
		if err != nil {
			if ctx.Err() != nil {
				return result, err
			}
			result.Errors = append(result.Errors, "refresh "+noteID+": "+err.Error())
			continue
		}
		if ok {
			result.Rehydrated = append(result.Rehydrated, noteID)
		}
	}
	return result, nil
}

func (s *Session) resyncCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, noteID := range s.order {
		if m := s.notes[noteID]; m != nil && (m.resync || m.degraded) {
			out = append(out, noteID)
		}
	}
	return out
}

// Refresh reloads one open note and installs the result unless the note was
// edited or closed meanwhile. It reports whether the model was replaced.
func (s *Session) Refresh(ctx context.Context, noteID string) (bool, error) {
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return false, ErrNoteNotOpen
	}
	gen, edits := m.generation, m.edits
	s.mu.Unlock()

	result, err := s.deps.Hydrator.HydrateNote(ctx, noteID)
	if err != nil {
		return false, err
	}
	return s.install(result, gen, &edits), nil
}

// Watch follows snapshot deletions made through the shared local store,
// typically by another process closing a panel, and reloads the affected
// note once its own queue is idle. It returns once the subscription is set
// up; Close stops it.
func (s *Session) Watch(ctx context.Context) error {
	watcher, ok := s.deps.Local.(localstore.Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	wctx, cancel := context.WithCancel(ctx)
	changes, err := watcher.Watch(wctx, snapshot.Key(""))
	if err != nil {
		cancel()
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.watchCancel = cancel
	s.mu.Unlock()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		for change := range changes {
			if !change.Deleted {
				continue
			}
			noteID, ok := snapshot.NoteIDFromKey(change.Key)
			if !ok || !s.isOpen(noteID) {
				continue
			}
			if s.deps.Queue.Status(noteID).Waiting() > 0 {
				continue
			}
			if _, err := s.Refresh(wctx, noteID); err != nil && wctx.Err() == nil {
				s.logger.Warn().Err(err).Str("noteId", noteID).Msg("reload after snapshot invalidation failed")
			}
		}
	}()
	return nil
}

func (s *Session) isOpen(noteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notes[noteID]
	return ok
}

type NoteStatus struct {
	NoteID        string                   `json:"noteId"`
	LocalVersion  int64                    `json:"localVersion"`
	Source        hydrate.Source           `json:"source,omitempty"`
	Degraded      bool                     `json:"degraded"`
	ResyncPending bool                     `json:"resyncPending"`
	Panels        int                      `json:"panels"`
	Hydration     hydrate.State            `json:"hydration"`
	Queue         offlinequeue.QueueStatus `json:"queue"`
}

type Status struct {
	Online          bool                     `json:"online"`
	BackingDegraded bool                     `json:"backingDegraded"`
	Camera          canvas.Camera            `json:"camera"`
	Queue           offlinequeue.QueueStatus `json:"queue"`
	Notes           []NoteStatus             `json:"notes"`
}

// Status feeds the sync indicator.
func (s *Session) Status(ctx context.Context) Status {
	status := Status{
		Online: s.deps.Gateway.Ping(ctx) == nil,
		Camera: s.viewport.Draft(),
		Queue:  s.deps.Queue.Status(""),
		Notes:  []NoteStatus{},
	}
	if f := s.deps.Failover; f != nil {
		status.BackingDegraded = f.Degraded()
	}
	for _, noteID := range s.Notes() {
		note, err := s.NoteStatus(ctx, noteID)
		if err != nil {
			continue
		}
		status.Notes = append(status.Notes, note)
	}
	return status
}

func (s *Session) NoteStatus(ctx context.Context, noteID string) (NoteStatus, error) {
	s.mu.Lock()
	m, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return NoteStatus{}, ErrNoteNotOpen
	}
	status := NoteStatus{
		NoteID:        noteID,
		Source:        m.source,
		Degraded:      m.degraded,
		ResyncPending: m.resync,
		Panels:        len(m.activePanels()),
	}
	s.mu.Unlock()
	version, err := s.deps.Versions.Get(ctx, noteID)
	if err != nil {
		return NoteStatus{}, err
	}
	status.LocalVersion = version
	status.Hydration = s.deps.Hydrator.State(noteID)
	status.Queue = s.deps.Queue.Status(noteID)
	return status, nil
}

// Close persists the last camera and pending snapshots, then stops
// background work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.watchCancel
	s.mu.Unlock()

	s.camera.FlushAll()
	s.snapshots.FlushAll()
	s.camera.Stop()
	s.snapshots.Stop()
	if cancel != nil {
		cancel()
	}
	s.background.Wait()
	s.deps.Hydrator.Wait()
	return nil
}

func (s *Session) emit(eventType telemetry.EventType, noteID, detail string) {
	s.telemetry.Emit(telemetry.Event{Type: eventType, NoteID: noteID, Detail: detail})
}

func expectedRevision(panel canvas.Panel) *int64 {
	if panel.Revision <= 0 {
		return nil
	}
	return gateway.Revision(panel.Revision)
}
