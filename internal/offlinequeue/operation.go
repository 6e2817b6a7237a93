package offlinequeue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

var (
	ErrNotFound     = errors.New("operation not found")
	ErrInvalidOp    = errors.New("invalid operation")
	ErrInvalidState = errors.New("operation is not in a retryable state")
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindClose  Kind = "close"
	KindDelete Kind = "delete"
	KindCamera Kind = "camera"
	// KindReopen is the only way a closed panel becomes active again.
	KindReopen Kind = "reopen"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindClose, KindDelete, KindCamera, KindReopen:
		return true
	}
	return false
}

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// Operation is one queued write. Panel carries the full desired panel for
// create, update and reopen; Camera carries the camera for camera ops.
type Operation struct {
	OpID             string         `json:"opId"`
	NoteID           string         `json:"noteId"`
	PanelID          string         `json:"panelId,omitempty"`
	Kind             Kind           `json:"kind"`
	Panel            *canvas.Panel  `json:"panel,omitempty"`
	Camera           *canvas.Camera `json:"camera,omitempty"`
	ExpectedRevision *int64         `json:"expectedRevision,omitempty"`
	IssuedAtVersion  int64          `json:"issuedAtVersion"`
	Attempts         int            `json:"attempts"`
	State            State          `json:"state"`
	LastError        string         `json:"lastError,omitempty"`
	EnqueuedAt       time.Time      `json:"enqueuedAt"`
	NextAttemptAt    time.Time      `json:"nextAttemptAt,omitempty"`
}

func (op Operation) Clone() Operation {
	out := op
	if op.Panel != nil {
		panel := op.Panel.Clone()
		out.Panel = &panel
	}
	if op.Camera != nil {
		camera := *op.Camera
		out.Camera = &camera
	}
	if op.ExpectedRevision != nil {
		rev := *op.ExpectedRevision
		out.ExpectedRevision = &rev
	}
	return out
}

func (op Operation) validate() error {
	if strings.TrimSpace(op.NoteID) == "" {
		return fmt.Errorf("%w: missing note id", ErrInvalidOp)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	switch op.Kind {
	case KindCreate, KindUpdate, KindReopen:
		if op.Panel == nil {
			return fmt.Errorf("%w: %s without panel", ErrInvalidOp, op.Kind)
		}
		if op.Panel.NoteID != op.NoteID || op.Panel.PanelID != op.PanelID {
			return fmt.Errorf("%w: panel identity does not match operation", ErrInvalidOp)
		}
	case KindClose, KindDelete:
		if strings.TrimSpace(op.PanelID) == "" {
			return fmt.Errorf("%w: %s without panel id", ErrInvalidOp, op.Kind)
		}
	case KindCamera:
		if op.Camera == nil || op.Camera.Zoom <= 0 {
			return fmt.Errorf("%w: camera op needs a positive zoom", ErrInvalidOp)
		}
	}
	return nil
}

// Waiting reports whether the op still has to be sent.
func (op Operation) Waiting() bool {
	return op.State == StatePending || op.State == StateFailed || op.State == StateProcessing
}

// CreateOp, UpdateOp and friends build operations from the session's view
// of a panel.
func CreateOp(panel canvas.Panel) Operation {
	p := panel.Clone()
	return Operation{NoteID: panel.NoteID, PanelID: panel.PanelID, Kind: KindCreate, Panel: &p}
}

func UpdateOp(panel canvas.Panel, expectedRevision *int64) Operation {
	p := panel.Clone()
	return Operation{NoteID: panel.NoteID, PanelID: panel.PanelID, Kind: KindUpdate, Panel: &p, ExpectedRevision: expectedRevision}
}

func ReopenOp(panel canvas.Panel) Operation {
	p := panel.Clone()
	p.State = canvas.PanelStateActive
	return Operation{NoteID: panel.NoteID, PanelID: panel.PanelID, Kind: KindReopen, Panel: &p}
}

func CloseOp(noteID, panelID string) Operation {
	return Operation{NoteID: noteID, PanelID: panelID, Kind: KindClose}
}

func DeleteOp(noteID, panelID string) Operation {
	return Operation{NoteID: noteID, PanelID: panelID, Kind: KindDelete}
}

func CameraOp(noteID string, camera canvas.Camera) Operation {
	return Operation{NoteID: noteID, Kind: KindCamera, Camera: &camera}
}
