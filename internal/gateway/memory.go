package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

// MemoryGateway keeps everything in process. SetAvailable(false) makes every
// call fail with an UnavailableError, which is how tests simulate going
// offline.
type MemoryGateway struct {
	mu        sync.Mutex
	notes     map[string]*NoteRecord
	panels    map[string]map[string]canvas.Panel
	available bool
	now       func() time.Time
	calls     map[string]int
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		notes:     map[string]*NoteRecord{},
		panels:    map[string]map[string]canvas.Panel{},
		available: true,
		now:       time.Now,
		calls:     map[string]int{},
	}
}

func (g *MemoryGateway) SetAvailable(available bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available = available
}

// Calls returns how many times op was invoked, including failed calls.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *MemoryGateway) enter(ctx context.Context, op string) error {
	g.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !g.available {
		return unavailable(op, nil)
	}
	return nil
}

func (g *MemoryGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enter(ctx, "ping")
}

func (g *MemoryGateway) GetVersion(ctx context.Context, noteID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "getVersion"); err != nil {
		return 0, err
	}
	if err := checkNoteID(noteID); err != nil {
		return 0, err
	}
	if note, ok := g.notes[noteID]; ok {
		return note.Version, nil
	}
	return 0, nil
}

func (g *MemoryGateway) GetNote(ctx context.Context, noteID string) (NoteRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "getNote"); err != nil {
		return NoteRecord{}, err
	}
	note, ok := g.notes[noteID]
	if !ok {
		return NoteRecord{}, ErrNotFound
	}
	return copyNote(note), nil
}

func (g *MemoryGateway) SetNoteOpen(ctx context.Context, noteID string, open bool) (NoteRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "setNoteOpen"); err != nil {
		return NoteRecord{}, err
	}
	if err := checkNoteID(noteID); err != nil {
		return NoteRecord{}, err
	}
	note := g.noteLocked(noteID)
	note.IsOpen = open
	note.UpdatedAt = g.now().UTC()
	return copyNote(note), nil
}

func (g *MemoryGateway) ListActivePanels(ctx context.Context, noteID string) ([]canvas.Panel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "listActivePanels"); err != nil {
		return nil, err
	}
	out := make([]canvas.Panel, 0, len(g.panels[noteID]))
	for _, panel := range g.panels[noteID] {
		if panel.Active() {
			out = append(out, panel.Clone())
		}
	}
	canvas.SortByZ(out)
	return out, nil
}

func (g *MemoryGateway) GetPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "getPanel"); err != nil {
		return canvas.Panel{}, err
	}
	panel, ok := g.panels[noteID][panelID]
	if !ok {
		return canvas.Panel{}, ErrNotFound
	}
	return panel.Clone(), nil
}

func (g *MemoryGateway) UpsertPanel(ctx context.Context, panel canvas.Panel, expectedRevision *int64) (MutationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "upsertPanel"); err != nil {
		return MutationResult{}, err
	}
	var existing *canvas.Panel
	if stored, ok := g.panels[panel.NoteID][panel.PanelID]; ok {
		existing = &stored
	}
	_, parentExists := g.panels[panel.NoteID][panel.ParentID]
	if err := checkUpsert(panel, existing, parentExists, expectedRevision); err != nil {
		return MutationResult{}, err
	}

	stored := panel.Clone()
	stored.Revision = 1
	if existing != nil {
		stored.Revision = existing.Revision + 1
	}
	stored.UpdatedAt = g.now().UTC()
	if g.panels[panel.NoteID] == nil {
		g.panels[panel.NoteID] = map[string]canvas.Panel{}
	}
	g.panels[panel.NoteID][panel.PanelID] = stored

	note := g.noteLocked(panel.NoteID)
	note.Version++
	note.UpdatedAt = stored.UpdatedAt
	if stored.IsMain() {
		pos := stored.Position
		note.LastMainPosition = &pos
	}
	return MutationResult{Panel: stored.Clone(), Version: note.Version, Changed: true}, nil
}

func (g *MemoryGateway) ClosePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "closePanel"); err != nil {
		return MutationResult{}, err
	}
	panel, ok := g.panels[noteID][panelID]
	if !ok {
		return MutationResult{}, ErrNotFound
	}
	note := g.noteLocked(noteID)
	if !panel.Active() {
		return MutationResult{Panel: panel.Clone(), Version: note.Version}, nil
	}
	panel.State = canvas.PanelStateClosed
	panel.Revision++
	panel.UpdatedAt = g.now().UTC()
	g.panels[noteID][panelID] = panel
	note.Version++
	note.UpdatedAt = panel.UpdatedAt
	return MutationResult{Panel: panel.Clone(), Version: note.Version, Changed: true}, nil
}

func (g *MemoryGateway) DeletePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "deletePanel"); err != nil {
		return MutationResult{}, err
	}
	panel, ok := g.panels[noteID][panelID]
	if !ok {
		return MutationResult{}, ErrNotFound
	}
	for _, other := range g.panels[noteID] {
		if other.ParentID == panelID {
			return MutationResult{}, invalid("panel " + panelID + " still has children")
		}
	}
	delete(g.panels[noteID], panelID)
	note := g.noteLocked(noteID)
	note.Version++
	note.UpdatedAt = g.now().UTC()
	return MutationResult{Panel: panel, Version: note.Version, Changed: true}, nil
}

func (g *MemoryGateway) GetCamera(ctx context.Context, noteID string) (canvas.Camera, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "getCamera"); err != nil {
		return canvas.Camera{}, false, err
	}
	note, ok := g.notes[noteID]
	if !ok || note.Camera == nil {
		return canvas.Camera{}, false, nil
	}
	return *note.Camera, true, nil
}

func (g *MemoryGateway) SaveCamera(ctx context.Context, noteID string, camera canvas.Camera) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "saveCamera"); err != nil {
		return err
	}
	if err := checkNoteID(noteID); err != nil {
		return err
	}
	if camera.Zoom <= 0 {
		return invalid("camera zoom must be positive")
	}
	note := g.noteLocked(noteID)
	note.Camera = &camera
	note.UpdatedAt = g.now().UTC()
	return nil
}

func (g *MemoryGateway) Close() error {
	return nil
}

func (g *MemoryGateway) noteLocked(noteID string) *NoteRecord {
	note, ok := g.notes[noteID]
	if !ok {
		note = &NoteRecord{NoteID: noteID}
		g.notes[noteID] = note
	}
	return note
}

func copyNote(note *NoteRecord) NoteRecord {
	out := *note
	if note.LastMainPosition != nil {
		pos := *note.LastMainPosition
		out.LastMainPosition = &pos
	}
	if note.Camera != nil {
		cam := *note.Camera
		out.Camera = &cam
	}
	return out
}
