package canvas

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MainPanelID       = "main"
	branchPanelPrefix = "branch-"
)

var ErrInvalidPanel = errors.New("invalid panel")

type PanelType string

const (
	PanelTypeEditor     PanelType = "editor"
	PanelTypeBranch     PanelType = "branch"
	PanelTypeContext    PanelType = "context"
	PanelTypeToolbar    PanelType = "toolbar"
	PanelTypeAnnotation PanelType = "annotation"
)

func (t PanelType) Valid() bool {
	switch t {
	case PanelTypeEditor, PanelTypeBranch, PanelTypeContext, PanelTypeToolbar, PanelTypeAnnotation:
		return true
	}
	return false
}

type PanelState string

const (
	PanelStateActive PanelState = "active"
	PanelStateClosed PanelState = "closed"
)

func (s PanelState) Valid() bool {
	return s == PanelStateActive || s == PanelStateClosed
}

type Panel struct {
	NoteID    string         `json:"noteId"`
	PanelID   string         `json:"panelId"`
	Type      PanelType      `json:"type"`
	Position  WorldPoint     `json:"positionWorld"`
	Size      WorldSize      `json:"sizeWorld"`
	ZIndex    int            `json:"zIndex"`
	State     PanelState     `json:"state"`
	ParentID  string         `json:"parentId,omitempty"`
	Revision  int64          `json:"revision"`
	Title     string         `json:"title,omitempty"`
	Content   []byte         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

func (p Panel) Key() string {
	return StoreKey(p.NoteID, p.PanelID)
}

func (p Panel) IsMain() bool {
	return p.PanelID == MainPanelID
}

func (p Panel) Active() bool {
	return p.State == PanelStateActive
}

// Clone copies the panel deeply enough that the copy can be mutated freely.
func (p Panel) Clone() Panel {
	out := p
	if p.Content != nil {
		out.Content = append([]byte(nil), p.Content...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate checks the fields a single panel can check on its own. Parent
// existence is checked by the backing store, which sees the whole note.
func (p Panel) Validate() error {
	if strings.TrimSpace(p.NoteID) == "" {
		return fmt.Errorf("%w: missing note id", ErrInvalidPanel)
	}
	if !ValidPanelID(p.PanelID) {
		return fmt.Errorf("%w: bad panel id %q", ErrInvalidPanel, p.PanelID)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: bad type %q", ErrInvalidPanel, p.Type)
	}
	if !p.State.Valid() {
		return fmt.Errorf("%w: bad state %q", ErrInvalidPanel, p.State)
	}
	if p.Size.Width <= 0 || p.Size.Height <= 0 {
		return fmt.Errorf("%w: non-positive size", ErrInvalidPanel)
	}
	if p.ZIndex < MinZIndex || p.ZIndex > MaxZIndex {
		return fmt.Errorf("%w: z-index %d out of range", ErrInvalidPanel, p.ZIndex)
	}
	if p.IsMain() && p.ParentID != "" {
		return fmt.Errorf("%w: main panel cannot have a parent", ErrInvalidPanel)
	}
	if p.ParentID == p.PanelID {
		return fmt.Errorf("%w: panel is its own parent", ErrInvalidPanel)
	}
	return nil
}

func NewBranchPanelID() string {
	return branchPanelPrefix + uuid.NewString()
}

func IsBranchPanelID(panelID string) bool {
	rest, ok := strings.CutPrefix(panelID, branchPanelPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

func ValidPanelID(panelID string) bool {
	return panelID == MainPanelID || IsBranchPanelID(panelID)
}

// StoreKey is the composite (noteId, panelId) identity used as a map key.
func StoreKey(noteID, panelID string) string {
	return noteID + "::" + panelID
}

func SplitStoreKey(key string) (noteID, panelID string, ok bool) {
	noteID, panelID, ok = strings.Cut(key, "::")
	if !ok || noteID == "" || panelID == "" {
		return "", "", false
	}
	return noteID, panelID, true
}

// ActiveOnly drops closed panels. Every path that hands panels to a renderer
// goes through it.
func ActiveOnly(panels []Panel) []Panel {
	out := make([]Panel, 0, len(panels))
	for _, panel := range panels {
		if panel.Active() {
			out = append(out, panel)
		}
	}
	return out
}
