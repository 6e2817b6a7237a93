// Package snapshot is the local cache of a note's last known panel layout,
// tagged with the workspace version it was captured at.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/localstore"
)

const (
	keyPrefix = "workspace-snapshot-"

	// SchemaVersion is written into every snapshot. Anything older than
	// MinSchemaVersion is thrown away instead of migrated.
	SchemaVersion    = 2
	MinSchemaVersion = 2

	DefaultTTL = 24 * time.Hour

	maxContentPreview = 280
)

type PanelRecord struct {
	NoteID         string            `json:"noteId"`
	PanelID        string            `json:"panelId"`
	Type           canvas.PanelType  `json:"type"`
	Position       canvas.WorldPoint `json:"positionWorld"`
	Size           canvas.WorldSize  `json:"sizeWorld"`
	ZIndex         int               `json:"zIndex"`
	State          canvas.PanelState `json:"state"`
	ParentID       string            `json:"parentId,omitempty"`
	Revision       int64             `json:"revision"`
	Title          string            `json:"title,omitempty"`
	ContentPreview string            `json:"contentPreview,omitempty"`
}

type Snapshot struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Version       int64                  `json:"version"`
	SavedAt       time.Time              `json:"savedAt"`
	Panels        map[string]PanelRecord `json:"panels"`
	Camera        canvas.Camera          `json:"camera"`
}

// ActivePanels returns the cached panels that may be rendered, ordered by
// z-index. Closed records never leave the cache even if one slipped in.
func (s *Snapshot) ActivePanels() []canvas.Panel {
	if s == nil {
		return nil
	}
	out := make([]canvas.Panel, 0, len(s.Panels))
	for _, record := range s.Panels {
		if record.State != canvas.PanelStateActive {
			continue
		}
		out = append(out, record.Panel())
	}
	canvas.SortByZ(out)
	return out
}

func (r PanelRecord) Panel() canvas.Panel {
	panel := canvas.Panel{
		NoteID:   r.NoteID,
		PanelID:  r.PanelID,
		Type:     r.Type,
		Position: r.Position,
		Size:     r.Size,
		ZIndex:   r.ZIndex,
		State:    r.State,
		ParentID: r.ParentID,
		Revision: r.Revision,
		Title:    r.Title,
	}
	return panel
}

func RecordFromPanel(p canvas.Panel) PanelRecord {
	return PanelRecord{
		NoteID:         p.NoteID,
		PanelID:        p.PanelID,
		Type:           p.Type,
		Position:       p.Position,
		Size:           p.Size,
		ZIndex:         p.ZIndex,
		State:          p.State,
		ParentID:       p.ParentID,
		Revision:       p.Revision,
		Title:          p.Title,
		ContentPreview: truncatePreview(string(p.Content)),
	}
}

// IsFresh reports whether a snapshot may be used for hydration: it must carry
// exactly the backing store's version and be younger than ttl.
func IsFresh(snap *Snapshot, backingVersion int64, now time.Time, ttl time.Duration) bool {
	if snap == nil {
		return false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return snap.Version == backingVersion && now.Sub(snap.SavedAt) < ttl
}

type Cache struct {
	local  localstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewCache(local localstore.Store, opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		local:  local,
		logger: opts.Logger.With().Str("component", "snapshot").Logger(),
		now:    now,
	}
}

func Key(noteID string) string {
	return keyPrefix + noteID
}

// NoteIDFromKey is the inverse of Key, for callers watching the local store.
func NoteIDFromKey(key string) (string, bool) {
	noteID, ok := strings.CutPrefix(key, keyPrefix)
	return noteID, ok && noteID != ""
}

// Save stores geometry and linkage only; closed panels are left out and the
// editable content is reduced to a short preview.
func (c *Cache) Save(ctx context.Context, noteID string, version int64, panels []canvas.Panel, camera canvas.Camera) error {
	if strings.TrimSpace(noteID) == "" {
		return errors.New("snapshot: missing note id")
	}
	if camera.Zoom <= 0 {
		camera.Zoom = 1
	}
	snap := Snapshot{
		SchemaVersion: SchemaVersion,
		Version:       version,
		SavedAt:       c.now().UTC(),
		Panels:        make(map[string]PanelRecord, len(panels)),
		Camera:        camera,
	}
	for _, panel := range panels {
		if !panel.Active() || panel.NoteID != noteID {
			continue
		}
		snap.Panels[panel.Key()] = RecordFromPanel(panel)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.local.Put(ctx, Key(noteID), data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", noteID, err)
	}
	return nil
}

// Load returns nil for anything it cannot trust: absent, unreadable,
// malformed, or written under an unsupported schema.
func (c *Cache) Load(ctx context.Context, noteID string) *Snapshot {
	data, err := c.local.Get(ctx, Key(noteID))
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			c.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot read failed; treating as miss")
		}
		return nil
	}
	var header struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		c.logger.Warn().Err(err).Str("noteId", noteID).Msg("malformed snapshot; treating as miss")
		return nil
	}
	if header.SchemaVersion < MinSchemaVersion || header.SchemaVersion > SchemaVersion {
		c.logger.Info().Int("schemaVersion", header.SchemaVersion).Str("noteId", noteID).Msg("snapshot schema unsupported; treating as miss")
		return nil
	}
	if err := validatePayload(data); err != nil {
		c.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot failed validation; treating as miss")
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn().Err(err).Str("noteId", noteID).Msg("snapshot decode failed; treating as miss")
		return nil
	}
	if snap.Panels == nil {
		snap.Panels = map[string]PanelRecord{}
	}
	for key, record := range snap.Panels {
		if record.NoteID != noteID {
			delete(snap.Panels, key)
		}
	}
	return &snap
}

// Invalidate must be called as soon as a panel of the note is closed or
// deleted so the closed panel cannot come back from cache after a reload.
func (c *Cache) Invalidate(ctx context.Context, noteID string) error {
	if err := c.local.Delete(ctx, Key(noteID)); err != nil {
		return fmt.Errorf("invalidate snapshot %s: %w", noteID, err)
	}
	return nil
}

func truncatePreview(content string) string {
	if len(content) <= maxContentPreview {
		return content
	}
	cut := maxContentPreview
	for cut > 0 && !isRuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
