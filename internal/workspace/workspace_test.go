package workspace

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/localstore"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/versions"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// env is the durable state shared by successive sessions, which is how a
// reload is modelled.
type env struct {
	local     *localstore.MemoryStore
	mem       *gateway.MemoryGateway
	gw        gateway.Gateway
	versions  *versions.Store
	snapshots *snapshot.Cache
	clock     *clock
}

func newEnv() *env {
	e := &env{
		local: localstore.NewMemoryStore(),
		mem:   gateway.NewMemoryGateway(),
		clock: &clock{now: time.Date(2026, 10, 3, 8, 0, 0, 0, time.UTC)},
	}
	e.gw = e.mem
	e.versions = versions.NewStore(e.local, zerolog.Nop())
	e.snapshots = snapshot.NewCache(e.local, snapshot.Options{Now: e.clock.Now})
	return e
}

func (e *env) session(t *testing.T, opts Options) *Session {
	t.Helper()
	queue, err := offlinequeue.New(context.Background(), e.local, e.gw, e.versions, e.snapshots, offlinequeue.Options{Now: e.clock.Now})
	require.NoError(t, err)
	hydrator := hydrate.New(e.gw, e.versions, e.snapshots, hydrate.Options{Now: e.clock.Now})
	if opts.CameraDebounce == 0 {
		opts.CameraDebounce = 20 * time.Millisecond
	}
	if opts.SnapshotDebounce == 0 {
		opts.SnapshotDebounce = 20 * time.Millisecond
	}
	s, err := NewSession(Deps{
		Gateway:   e.gw,
		Local:     e.local,
		Versions:  e.versions,
		Snapshots: e.snapshots,
		Queue:     queue,
		Hydrator:  hydrator,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createMain(t *testing.T, s *Session, noteID string, at canvas.ScreenPoint) canvas.Panel {
	t.Helper()
	panel, err := s.CreatePanel(context.Background(), noteID, NewPanel{
		Main:           true,
		ScreenPosition: at,
		ScreenSize:     canvas.ScreenSize{Width: 600, Height: 400},
	})
	require.NoError(t, err)
	return panel
}

func createBranch(t *testing.T, s *Session, noteID string) canvas.Panel {
	t.Helper()
	panel, err := s.CreatePanel(context.Background(), noteID, NewPanel{
		ParentID:       canvas.MainPanelID,
		ScreenPosition: canvas.ScreenPoint{X: 800, Y: 40},
		ScreenSize:     canvas.ScreenSize{Width: 300, Height: 200},
	})
	require.NoError(t, err)
	return panel
}

func TestDebouncerCoalesces(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 5; i++ {
		i := i
		d.Trigger("k", func() {
			calls.Add(1)
			last.Store(int32(i))
		})
	}
	assert.True(t, d.Pending("k"))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), last.Load())
	assert.False(t, d.Pending("k"))

	d.Trigger("k", func() { calls.Add(1) })
	assert.True(t, d.Flush("k"))
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, d.Flush("k"))

	d.Trigger("k", func() { calls.Add(1) })
	d.Stop()
	d.Trigger("k", func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestViewportZoomKeepsAnchorFixed(t *testing.T) {
	v := NewViewport(canvas.Camera{TranslateX: 12, TranslateY: -7, Zoom: 1.25}, 0.1, 8)
	anchor := canvas.ScreenPoint{X: 640, Y: 360}
	before := canvas.ScreenToWorld(anchor, v.Draft(), v.Draft().Zoom)

	camera := v.ZoomAt(1.6, anchor)
	assert.InDelta(t, 2.0, camera.Zoom, 1e-9)
	after := canvas.ScreenToWorld(anchor, camera, camera.Zoom)
	assert.InDelta(t, before.X, after.X, 1e-9)
	assert.InDelta(t, before.Y, after.Y, 1e-9)

	camera = v.ZoomAt(100, anchor)
	assert.Equal(t, 8.0, camera.Zoom)

	// The authoritative camera only moves on Sync.
	assert.Equal(t, 1.25, v.Authoritative().Zoom)
	synced, changed := v.Sync()
	assert.True(t, changed)
	assert.Equal(t, camera, synced)
	_, changed = v.Sync()
	assert.False(t, changed)
}

func TestViewportPanIsScreenSpace(t *testing.T) {
	v := NewViewport(canvas.Camera{Zoom: 2}, 0, 0)
	camera := v.Pan(40, -20)
	assert.Equal(t, 20.0, camera.TranslateX)
	assert.Equal(t, -10.0, camera.TranslateY)

	world := canvas.WorldPoint{X: 5, Y: 5}
	before := canvas.WorldToScreen(world, canvas.Camera{Zoom: 2}, 2)
	after := canvas.WorldToScreen(world, camera, camera.Zoom)
	assert.InDelta(t, 40, after.X-before.X, 1e-9)
	assert.InDelta(t, -20, after.Y-before.Y, 1e-9)
}

func TestCreateThenReloadRendersSamePlace(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)

	main := createMain(t, s, "n1", canvas.ScreenPoint{X: 100, Y: 100})
	assert.Equal(t, canvas.WorldPoint{X: 100, Y: 100}, main.Position)
	stored, err := e.mem.GetPanel(ctx, "n1", canvas.MainPanelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
	local, err := e.versions.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), local)

	s.FlushSnapshots()
	snap := e.snapshots.Load(ctx, "n1")
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Version)
	require.NoError(t, s.Close())

	reloaded := e.session(t, Options{})
	result, err := reloaded.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	assert.Equal(t, hydrate.SourceCache, result.Notes[0].Source)
	panels, err := reloaded.Panels("n1")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.Equal(t, canvas.ScreenPoint{X: 100, Y: 100}, panels[0].ScreenPosition)
}

func TestClosedBranchStaysClosedAfterReload(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, s, "n1", canvas.ScreenPoint{X: 0, Y: 0})
	branch := createBranch(t, s, "n1")
	s.FlushSnapshots()
	require.NotNil(t, e.snapshots.Load(ctx, "n1"))

	require.NoError(t, s.ClosePanel(ctx, "n1", branch.PanelID))
	panels, err := s.Panels("n1")
	require.NoError(t, err)
	assert.Len(t, panels, 1)
	version, err := e.mem.GetVersion(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	require.NoError(t, s.Close())

	reloaded := e.session(t, Options{})
	_, err = reloaded.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	panels, err = reloaded.Panels("n1")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.True(t, panels[0].Panel.IsMain())
}

func TestOfflineMoveSyncsWhenOnline(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, s, "n1", canvas.ScreenPoint{X: 100, Y: 100})

	e.mem.SetAvailable(false)
	moved, err := s.MovePanel(ctx, "n1", canvas.MainPanelID, canvas.ScreenPoint{X: 250, Y: 300})
	require.NoError(t, err)
	assert.Equal(t, canvas.WorldPoint{X: 250, Y: 300}, moved.Position)

	status := s.Status(ctx)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.Queue.Waiting())
	require.Len(t, status.Notes, 1)
	assert.Equal(t, 1, status.Notes[0].Queue.Failed)

	e.mem.SetAvailable(true)
	e.clock.Advance(time.Minute)
	result, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Flush.Applied)

	stored, err := e.mem.GetPanel(ctx, "n1", canvas.MainPanelID)
	require.NoError(t, err)
	assert.Equal(t, moved.Position, stored.Position)
	status = s.Status(ctx)
	assert.True(t, status.Online)
	assert.Equal(t, 0, status.Queue.Waiting())
	assert.Equal(t, int64(2), status.Notes[0].LocalVersion)
}

func TestDegradedNoteIsReloadedBySync(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	seed := mainPanelFor("n1")
	_, err := e.mem.UpsertPanel(ctx, seed, nil)
	require.NoError(t, err)

	e.mem.SetAvailable(false)
	s := e.session(t, Options{})
	result, err := s.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	panels, err := s.Panels("n1")
	require.NoError(t, err)
	assert.Empty(t, panels)

	e.mem.SetAvailable(true)
	synced, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, synced.Rehydrated)
	panels, err = s.Panels("n1")
	require.NoError(t, err)
	assert.Len(t, panels, 1)
	status, err := s.NoteStatus(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, status.Degraded)
}

func mainPanelFor(noteID string) canvas.Panel {
	return canvas.Panel{
		NoteID:   noteID,
		PanelID:  canvas.MainPanelID,
		Type:     canvas.PanelTypeEditor,
		Position: canvas.WorldPoint{X: 10, Y: 10},
		Size:     canvas.WorldSize{Width: 100, Height: 100},
		ZIndex:   1,
		State:    canvas.PanelStateActive,
	}
}

func TestCameraPersistenceIsDebounced(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{CameraDebounce: 30 * time.Millisecond})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Pan(10, 0)
	}
	assert.Equal(t, 50.0, s.Camera().TranslateX)
	assert.Eventually(t, func() bool {
		camera, ok, err := e.mem.GetCamera(ctx, "n1")
		return err == nil && ok && camera.TranslateX == 50
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.mem.Calls("saveCamera"))
}

func TestSharedCameraIsStoredOnFirstNote(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{CameraDebounce: time.Hour})
	_, err := s.Open(ctx, "a")
	require.NoError(t, err)
	_, err = s.Open(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Notes())

	s.ZoomAt(2, canvas.ScreenPoint{})
	require.NoError(t, s.SyncCamera(ctx))

	camera, ok, err := e.mem.GetCamera(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, camera.Zoom)
	_, ok, err = e.mem.GetCamera(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnlyExplicitOpenMarksNoteOpen(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	_, err := e.mem.UpsertPanel(ctx, mainPanelFor("n1"), nil)
	require.NoError(t, err)

	s := e.session(t, Options{})
	_, err = s.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	note, err := e.mem.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, note.IsOpen)

	_, err = s.Open(ctx, "n2")
	require.NoError(t, err)
	note, err = e.mem.GetNote(ctx, "n2")
	require.NoError(t, err)
	assert.True(t, note.IsOpen)

	require.NoError(t, s.CloseNote(ctx, "n2"))
	note, err = e.mem.GetNote(ctx, "n2")
	require.NoError(t, err)
	assert.False(t, note.IsOpen)
	assert.ErrorIs(t, s.CloseNote(ctx, "n2"), ErrNoteNotOpen)
}

type gatedGateway struct {
	*gateway.MemoryGateway
	gate chan struct{}
}

func (g *gatedGateway) GetVersion(ctx context.Context, noteID string) (int64, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return g.MemoryGateway.GetVersion(ctx, noteID)
}

func TestHydrationForClosedNoteIsDiscarded(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	gated := &gatedGateway{MemoryGateway: e.mem, gate: make(chan struct{})}
	e.gw = gated
	s := e.session(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Open(ctx, "n1")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return s.deps.Hydrator.State("n1") == hydrate.StateLoading
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.CloseNote(ctx, "n1"))
	close(gated.gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("open did not return")
	}
	assert.Empty(t, s.Notes())
}

func TestSnapshotDeletedElsewhereTriggersReload(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, s, "n1", canvas.ScreenPoint{})
	branch := createBranch(t, s, "n1")
	s.FlushSnapshots()
	require.NotNil(t, e.snapshots.Load(ctx, "n1"))
	require.NoError(t, s.Watch(ctx))

	// Another process closes the branch and drops the shared snapshot.
	_, err = e.mem.ClosePanel(ctx, "n1", branch.PanelID)
	require.NoError(t, err)
	require.NoError(t, e.snapshots.Invalidate(ctx, "n1"))

	assert.Eventually(t, func() bool {
		panels, err := s.Panels("n1")
		return err == nil && len(panels) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotNeverCoversWritesFromAnotherSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	a := e.session(t, Options{})
	_, err := a.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, a, "n1", canvas.ScreenPoint{})
	branch := createBranch(t, a, "n1")
	a.FlushSnapshots()

	b := e.session(t, Options{})
	_, err = b.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	require.NoError(t, b.ClosePanel(ctx, "n1", branch.PanelID))
	require.NoError(t, b.Close())

	// a never saw the close; its next commit lands two versions ahead.
	_, err = a.MovePanel(ctx, "n1", canvas.MainPanelID, canvas.ScreenPoint{X: 70, Y: 90})
	require.NoError(t, err)
	a.FlushSnapshots()

	for _, cached := range e.snapshots.Load(ctx, "n1").ActivePanels() {
		assert.NotEqual(t, branch.PanelID, cached.PanelID)
	}
	panels, err := a.Panels("n1")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.True(t, panels[0].Panel.IsMain())

	reloaded := e.session(t, Options{})
	_, err = reloaded.Load(ctx, []string{"n1"})
	require.NoError(t, err)
	panels, err = reloaded.Panels("n1")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.Equal(t, canvas.WorldPoint{X: 70, Y: 90}, panels[0].Panel.Position)
}

func TestLocalValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, s, "n1", canvas.ScreenPoint{})

	_, err = s.CreatePanel(ctx, "n1", NewPanel{
		ParentID:   canvas.NewBranchPanelID(),
		ScreenSize: canvas.ScreenSize{Width: 10, Height: 10},
	})
	assert.ErrorIs(t, err, canvas.ErrInvalidPanel)

	_, err = s.CreatePanel(ctx, "missing", NewPanel{Main: true, ScreenSize: canvas.ScreenSize{Width: 10, Height: 10}})
	assert.ErrorIs(t, err, ErrNoteNotOpen)

	createBranch(t, s, "n1")
	assert.ErrorIs(t, s.DeletePanel(ctx, "n1", canvas.MainPanelID), canvas.ErrInvalidPanel)
	_, err = s.MovePanel(ctx, "n1", canvas.NewBranchPanelID(), canvas.ScreenPoint{})
	assert.ErrorIs(t, err, ErrPanelNotFound)
}

func TestBringToFrontAndReopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	main := createMain(t, s, "n1", canvas.ScreenPoint{})
	branch := createBranch(t, s, "n1")
	require.Greater(t, branch.ZIndex, main.ZIndex)

	front, err := s.BringToFront(ctx, "n1", canvas.MainPanelID)
	require.NoError(t, err)
	assert.Greater(t, front.ZIndex, branch.ZIndex)
	stored, err := e.mem.GetPanel(ctx, "n1", canvas.MainPanelID)
	require.NoError(t, err)
	assert.Equal(t, front.ZIndex, stored.ZIndex)

	require.NoError(t, s.ClosePanel(ctx, "n1", branch.PanelID))
	reopened, err := s.ReopenPanel(ctx, "n1", branch.PanelID)
	require.NoError(t, err)
	assert.True(t, reopened.Active())
	stored, err = e.mem.GetPanel(ctx, "n1", branch.PanelID)
	require.NoError(t, err)
	assert.Equal(t, canvas.PanelStateActive, stored.State)

	panels, err := s.Panels("n1")
	require.NoError(t, err)
	assert.Len(t, panels, 2)
	assert.False(t, math.IsNaN(panels[0].ScreenPosition.X))
}

func TestDeleteRemovesPanel(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.session(t, Options{})
	_, err := s.Open(ctx, "n1")
	require.NoError(t, err)
	createMain(t, s, "n1", canvas.ScreenPoint{})
	branch := createBranch(t, s, "n1")

	require.NoError(t, s.DeletePanel(ctx, "n1", branch.PanelID))
	_, err = e.mem.GetPanel(ctx, "n1", branch.PanelID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	_, err = s.Panel("n1", branch.PanelID)
	assert.ErrorIs(t, err, ErrPanelNotFound)
}
