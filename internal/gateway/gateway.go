// Package gateway is the typed boundary to the authoritative backing store.
// Every call either succeeds or fails with one of the errors below; nothing
// here panics for not-found, conflict, or an unreachable store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("revision conflict")
	ErrUnavailable  = errors.New("backing store unavailable")
	ErrInvalid      = errors.New("invalid mutation")
	ErrInvalidInput = errors.New("invalid input")
)

type ConflictError struct {
	Expected    int64
	Actual      int64
	ServerState canvas.PanelState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UnavailableError marks a transient failure. The queue retries these with
// backoff and the failover gateway switches to its secondary on them.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return e.Op + ": backing store unavailable"
	}
	return e.Op + ": backing store unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// ValidationError is permanent; retrying the same mutation cannot succeed.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Reason + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

func invalid(reason string) error {
	return &ValidationError{Reason: reason}
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// NoteRecord is the per-note row next to the panels.
type NoteRecord struct {
	NoteID           string             `json:"noteId"`
	Version          int64              `json:"version"`
	IsOpen           bool               `json:"isOpen"`
	LastMainPosition *canvas.WorldPoint `json:"lastMainPositionWorld,omitempty"`
	Camera           *canvas.Camera     `json:"camera,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// MutationResult reports the stored panel and the note version after the
// mutation. Changed is false when the call was a no-op, such as closing a
// panel that was already closed; the version is not bumped in that case.
type MutationResult struct {
	Panel   canvas.Panel `json:"panel"`
	Version int64        `json:"version"`
	Changed bool         `json:"changed"`
}

type Gateway interface {
	Ping(ctx context.Context) error
	// GetVersion returns 0 for a note the store has never seen.
	GetVersion(ctx context.Context, noteID string) (int64, error)
	GetNote(ctx context.Context, noteID string) (NoteRecord, error)
	// SetNoteOpen is only for explicit user open and close actions.
	SetNoteOpen(ctx context.Context, noteID string, open bool) (NoteRecord, error)
	// ListActivePanels never returns closed panels.
	ListActivePanels(ctx context.Context, noteID string) ([]canvas.Panel, error)
	// GetPanel returns the panel in any state.
	GetPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error)
	// UpsertPanel creates or replaces a panel. A non-nil expectedRevision must
	// match the stored revision (0 for a panel that does not exist yet).
	UpsertPanel(ctx context.Context, panel canvas.Panel, expectedRevision *int64) (MutationResult, error)
	ClosePanel(ctx context.Context, noteID, panelID string) (MutationResult, error)
	DeletePanel(ctx context.Context, noteID, panelID string) (MutationResult, error)
	// GetCamera reports false when the note has no stored camera.
	GetCamera(ctx context.Context, noteID string) (canvas.Camera, bool, error)
	SaveCamera(ctx context.Context, noteID string, camera canvas.Camera) error
	Close() error
}

// Revision is a small helper for building expectedRevision arguments.
func Revision(r int64) *int64 {
	return &r
}

func checkNoteID(noteID string) error {
	if noteID == "" {
		return ErrInvalidInput
	}
	return nil
}

// checkUpsert applies the rules that need the stored state of the note: the
// parent must exist and the expected revision must match.
func checkUpsert(panel canvas.Panel, existing *canvas.Panel, parentExists bool, expectedRevision *int64) error {
	if err := panel.Validate(); err != nil {
		return &ValidationError{Reason: "panel", Err: err}
	}
	if panel.ParentID != "" && !parentExists {
		return invalid(fmt.Sprintf("parent %q does not exist in note %q", panel.ParentID, panel.NoteID))
	}
	if expectedRevision == nil {
		return nil
	}
	var actual int64
	var state canvas.PanelState
	if existing != nil {
		actual = existing.Revision
		state = existing.State
	}
	if actual != *expectedRevision {
		return &ConflictError{Expected: *expectedRevision, Actual: actual, ServerState: state}
	}
	return nil
}
