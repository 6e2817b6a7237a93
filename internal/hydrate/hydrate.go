// Package hydrate builds the in-memory panel set for the notes of a
// workspace. The backing store's workspace version decides whether the local
// snapshot may be trusted; when the backing store cannot be reached the last
// snapshot is used and the note is flagged degraded.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/versions"
)

var ErrNoNotes = errors.New("no notes to hydrate")

type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateHydrated State = "hydrated"
	StateFailed   State = "failed"
)

// RestorePolicy picks which active panels are handed back on reload. Closed
// panels are never restored under any policy.
type RestorePolicy string

const (
	RestoreAll      RestorePolicy = "all"
	RestoreMainOnly RestorePolicy = "main-only"
)

func ParseRestorePolicy(raw string) (RestorePolicy, error) {
	switch RestorePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RestoreAll:
		return RestoreAll, nil
	case RestoreMainOnly:
		return RestoreMainOnly, nil
	}
	return "", fmt.Errorf("unknown restore policy %q", raw)
}

// Source says where a note's panels came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceBacking    Source = "backing"
	SourceStaleCache Source = "stale-cache"
	SourceEmpty      Source = "empty"
)

const (
	DefaultParallel       = 4
	DefaultRefreshTimeout = 10 * time.Second
)

type NoteResult struct {
	NoteID   string                 `json:"noteId"`
	Version  int64                  `json:"version"`
	Source   Source                 `json:"source"`
	Panels   []canvas.Panel         `json:"panels"`
	Rendered []canvas.RenderedPanel `json:"rendered"`
	// Camera is the note's own stored camera; the workspace renders with
	// Result.Camera.
	Camera        canvas.Camera `json:"camera"`
	Degraded      bool          `json:"degraded"`
	ResyncPending bool          `json:"resyncPending"`
	Error         string        `json:"error,omitempty"`
}

type Result struct {
	Notes    []NoteResult  `json:"notes"`
	Camera   canvas.Camera `json:"camera"`
	Degraded bool          `json:"degraded"`
}

func (r Result) Note(noteID string) (NoteResult, bool) {
	for _, note := range r.Notes {
		if note.NoteID == noteID {
			return note, true
		}
	}
	return NoteResult{}, false
}

type Options struct {
	Logger         zerolog.Logger
	Telemetry      *telemetry.Emitter
	Restore        RestorePolicy
	TTL            time.Duration
	Parallel       int
	RefreshTimeout time.Duration
	Now            func() time.Time
}

type Orchestrator struct {
	gateway   gateway.Gateway
	versions  *versions.Store
	snapshots *snapshot.Cache

	logger         zerolog.Logger
	telemetry      *telemetry.Emitter
	restore        RestorePolicy
	ttl            time.Duration
	parallel       int
	refreshTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	states map[string]State

	refresh    singleflight.Group
	background sync.WaitGroup
}

func New(gw gateway.Gateway, vs *versions.Store, snapshots *snapshot.Cache, opts Options) *Orchestrator {
	restore := opts.Restore
	if restore == "" {
		restore = RestoreAll
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = snapshot.DefaultTTL
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		gateway:        gw,
		versions:       vs,
		snapshots:      snapshots,
		logger:         opts.Logger.With().Str("component", "hydrate").Logger(),
		telemetry:      opts.Telemetry,
		restore:        restore,
		ttl:            ttl,
		parallel:       parallel,
		refreshTimeout: refreshTimeout,
		now:            now,
		states:         map[string]State{},
	}
}

func (o *Orchestrator) State(noteID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.states[noteID]; ok {
		return state
	}
	return StateIdle
}

func (o *Orchestrator) setState(noteID string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[noteID] = state
}

// Wait blocks until background snapshot refreshes have finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// Hydrate loads every note concurrently and returns them in input order.
// The workspace shares one camera, taken from the first note. A cancelled
// context abandons the whole load; nothing partial is returned.
func (o *Orchestrator) Hydrate(ctx context.Context, noteIDs []string) (Result, error) {
	ids := dedupe(noteIDs)
	if len(ids) == 0 {
		return Result{}, ErrNoNotes
	}
	notes := make([]NoteResult, len(ids))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(o.parallel)
	for i, noteID := range ids {
		group.Go(func() error {
			note, err := o.HydrateNote(gctx, noteID)
			if err != nil {
				return err
			}
			notes[i] = note
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{Notes: notes, Camera: notes[0].Camera}
	for i := range result.Notes {
		result.Notes[i].Rendered = canvas.RenderPanels(result.Notes[i].Panels, result.Camera)
		if result.Notes[i].Degraded {
			result.Degraded = true
		}
	}
	return result, nil
}

// HydrateNote runs the load algorithm for a single note and renders it with
// the note's own camera. It only returns an error for bad input or
// cancellation; backing store failures show up as a degraded result.
func (o *Orchestrator) HydrateNote(ctx context.Context, noteID string) (NoteResult, error) {
	if strings.TrimSpace(noteID) == "" {
		return NoteResult{}, versions.ErrInvalidNoteID
	}
	o.setState(noteID, StateLoading)
	result, err := o.load(ctx, noteID)
	if err != nil {
		o.setState(noteID, StateIdle)
		return NoteResult{}, err
	}
	if result.Source == SourceEmpty && result.Degraded {
		o.setState(noteID, StateFailed)
	} else {
		o.setState(noteID, StateHydrated)
	}
	result.Panels = o.applyRestorePolicy(result.Panels)
	result.Rendered = canvas.RenderPanels(result.Panels, result.Camera)
	return result, nil
}

func (o *Orchestrator) load(ctx context.Context, noteID string) (NoteResult, error) {
	snap := o.snapshots.Load(ctx, noteID)
	if err := ctx.Err(); err != nil {
		return NoteResult{}, err
	}

	serverVersion, err := o.gateway.GetVersion(ctx, noteID)
	if err != nil {
		return o.fallback(ctx, noteID, snap, err)
	}

	if snapshot.IsFresh(snap, serverVersion, o.now(), o.ttl) {
		o.emit(telemetry.CacheUsed, noteID, snap.Version, serverVersion, "")
		if err := o.versions.Adopt(ctx, noteID, serverVersion); err != nil {
			o.logger.Warn().Err(err).Str("noteId", noteID).Msg("failed to record workspace version")
		}
		o.scheduleRefresh(ctx, noteID, serverVersion, snap.Camera)
		return NoteResult{
			NoteID:  noteID,
			Version: serverVersion,
			Source:  SourceCache,
			Panels:  snap.ActivePanels(),
			Camera:  snap.Camera,
		}, nil
	}
	o.reportCacheMiss(ctx, noteID, snap, serverVersion)

	panels, camera, err := o.fetch(ctx, noteID, snap)
	if err != nil {
		return o.fallback(ctx, noteID, snap, err)
	}
	if err := o.snapshots.Save(ctx, noteID, serverVersion, panels, camera); err != nil {
		o.logger.Warn().Err(err).Str("noteId", noteID).Msg("failed to save snapshot")
	}
	if err := o.versions.Adopt(ctx, noteID, serverVersion); err != nil {
		o.logger.Warn().Err(err).Str("noteId", noteID).Msg("failed to record workspace version")
	}
	return NoteResult{
		NoteID:  noteID,
		Version: serverVersion,
		Source:  SourceBacking,
		Panels:  panels,
		Camera:  camera,
	}, nil
}

// fetch reads the authoritative panel list and camera. A note without a
// stored camera keeps the snapshot's camera, or the default one.
func (o *Orchestrator) fetch(ctx context.Context, noteID string, snap *snapshot.Snapshot) ([]canvas.Panel, canvas.Camera, error) {
	panels, err := o.gateway.ListActivePanels(ctx, noteID)
	if err != nil {
		return nil, canvas.Camera{}, err
	}
	camera, ok, err := o.gateway.GetCamera(ctx, noteID)
	if err != nil {
		return nil, canvas.Camera{}, err
	}
	if !ok {
		camera = canvas.DefaultCamera()
		if snap != nil {
			camera = snap.Camera
		}
	}
	if camera.Zoom <= 0 {
		camera.Zoom = 1
	}
	panels = canvas.ActiveOnly(panels)
	canvas.SortByZ(panels)
	return panels, camera, nil
}

func (o *Orchestrator) fallback(ctx context.Context, noteID string, snap *snapshot.Snapshot, cause error) (NoteResult, error) {
	if err := ctx.Err(); err != nil {
		return NoteResult{}, err
	}
	if errors.Is(cause, context.Canceled) {
		return NoteResult{}, cause
	}
	result := NoteResult{
		NoteID:        noteID,
		Degraded:      true,
		ResyncPending: true,
		Error:         cause.Error(),
	}
	if snap != nil {
		result.Version = snap.Version
		result.Source = SourceStaleCache
		result.Panels = snap.ActivePanels()
		result.Camera = snap.Camera
	} else {
		result.Source = SourceEmpty
		result.Panels = []canvas.Panel{}
		result.Camera = canvas.DefaultCamera()
	}
	o.logger.Warn().Err(cause).Str("noteId", noteID).Str("source", string(result.Source)).Msg("backing store unreachable; hydrating degraded")
	o.emit(telemetry.HydrationDegraded, noteID, result.Version, 0, cause.Error())
	return result, nil
}

func (o *Orchestrator) reportCacheMiss(ctx context.Context, noteID string, snap *snapshot.Snapshot, serverVersion int64) {
	switch {
	case snap != nil && snap.Version != serverVersion:
		o.logger.Debug().Str("noteId", noteID).Int64("snapshotVersion", snap.Version).Int64("serverVersion", serverVersion).Msg("snapshot version mismatch")
		o.emit(telemetry.CacheMismatch, noteID, snap.Version, serverVersion, "")
	case snap != nil:
		o.emit(telemetry.CacheDiscarded, noteID, snap.Version, serverVersion, "expired")
	default:
		// A note this process has seen before should have had a snapshot.
		local, err := o.versions.Get(ctx, noteID)
		if err == nil && local > 0 {
			o.emit(telemetry.CacheDiscarded, noteID, local, serverVersion, "missing or unreadable")
		}
	}
}

// scheduleRefresh re-reads the authoritative panel list after a cache hit and
// re-saves the snapshot under the same version. It never blocks the caller
// and concurrent refreshes of one note collapse into one.
func (o *Orchestrator) scheduleRefresh(ctx context.Context, noteID string, version int64, camera canvas.Camera) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		_, _, _ = o.refresh.Do(noteID, func() (any, error) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.refreshTimeout)
			defer cancel()
			return nil, o.refreshSnapshot(rctx, noteID, version, camera)
		})
	}()
}

func (o *Orchestrator) refreshSnapshot(ctx context.Context, noteID string, version int64, camera canvas.Camera) error {
	panels, err := o.gateway.ListActivePanels(ctx, noteID)
	if err != nil {
		o.logger.Debug().Err(err).Str("noteId", noteID).Msg("background refresh failed")
		return err
	}
	current, err := o.gateway.GetVersion(ctx, noteID)
	if err != nil {
		return err
	}
	if current != version {
		// The note moved on; the next hydration will take the slow path.
		return nil
	}
	if stored, ok, err := o.gateway.GetCamera(ctx, noteID); err == nil && ok && stored.Zoom > 0 {
		camera = stored
	}
	return o.snapshots.Save(ctx, noteID, version, canvas.ActiveOnly(panels), camera)
}

func (o *Orchestrator) applyRestorePolicy(panels []canvas.Panel) []canvas.Panel {
	active := canvas.ActiveOnly(panels)
	if o.restore != RestoreMainOnly {
		return active
	}
	out := make([]canvas.Panel, 0, 1)
	for _, panel := range active {
		if panel.IsMain() {
			out = append(out, panel)
		}
	}
	return out
}

func (o *Orchestrator) emit(eventType telemetry.EventType, noteID string, localVersion, serverVersion int64, detail string) {
	o.telemetry.Emit(telemetry.Event{
		Type:          eventType,
		NoteID:        noteID,
		LocalVersion:  localVersion,
		ServerVersion: serverVersion,
		Detail:        detail,
	})
}

func dedupe(noteIDs []string) []string {
	seen := make(map[string]bool, len(noteIDs))
	out := make([]string, 0, len(noteIDs))
	for _, id := range noteIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
