package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

const DefaultCallTimeout = 5 * time.Second

// WithTimeout bounds every call to g. A call that runs out of time while the
// caller's own context is still live is reported as unavailable, so a hung
// backing store degrades the session instead of blocking it.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return &timeoutGateway{inner: g, timeout: d}
}

type timeoutGateway struct {
	inner   Gateway
	timeout time.Duration
}

func (t *timeoutGateway) Unwrap() Gateway {
	return t.inner
}

func bounded[T any](parent context.Context, d time.Duration, op string, call func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	type result struct {
		out T
		err error
	}
	// The call runs on its own goroutine so that an implementation ignoring
	// ctx still cannot hold the caller past the deadline.
	done := make(chan result, 1)
	go func() {
		out, err := call(ctx)
		done <- result{out: out, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, ErrUnavailable) {
			return zero, unavailable(op, context.DeadlineExceeded)
		}
		return res.out, res.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, unavailable(op, context.DeadlineExceeded)
	}
}

func (t *timeoutGateway) Ping(ctx context.Context) error {
	_, err := bounded(ctx, t.timeout, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.inner.Ping(ctx)
	})
	return err
}

func (t *timeoutGateway) GetVersion(ctx context.Context, noteID string) (int64, error) {
	return bounded(ctx, t.timeout, "getVersion", func(ctx context.Context) (int64, error) {
		return t.inner.GetVersion(ctx, noteID)
	})
}

func (t *timeoutGateway) GetNote(ctx context.Context, noteID string) (NoteRecord, error) {
	return bounded(ctx, t.timeout, "getNote", func(ctx context.Context) (NoteRecord, error) {
		return t.inner.GetNote(ctx, noteID)
	})
}

func (t *timeoutGateway) SetNoteOpen(ctx context.Context, noteID string, open bool) (NoteRecord, error) {
	return bounded(ctx, t.timeout, "setNoteOpen", func(ctx context.Context) (NoteRecord, error) {
		return t.inner.SetNoteOpen(ctx, noteID, open)
	})
}

func (t *timeoutGateway) ListActivePanels(ctx context.Context, noteID string) ([]canvas.Panel, error) {
	return bounded(ctx, t.timeout, "listActivePanels", func(ctx context.Context) ([]canvas.Panel, error) {
		return t.inner.ListActivePanels(ctx, noteID)
	})
}

func (t *timeoutGateway) GetPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	return bounded(ctx, t.timeout, "getPanel", func(ctx context.Context) (canvas.Panel, error) {
		return t.inner.GetPanel(ctx, noteID, panelID)
	})
}

func (t *timeoutGateway) UpsertPanel(ctx context.Context, panel canvas.Panel, expectedRevision *int64) (MutationResult, error) {
	return bounded(ctx, t.timeout, "upsertPanel", func(ctx context.Context) (MutationResult, error) {
		return t.inner.UpsertPanel(ctx, panel, expectedRevision)
	})
}

func (t *timeoutGateway) ClosePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	return bounded(ctx, t.timeout, "closePanel", func(ctx context.Context) (MutationResult, error) {
		return t.inner.ClosePanel(ctx, noteID, panelID)
	})
}

func (t *timeoutGateway) DeletePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	return bounded(ctx, t.timeout, "deletePanel", func(ctx context.Context) (MutationResult, error) {
		return t.inner.DeletePanel(ctx, noteID, panelID)
	})
}

type cameraResult struct {
	camera canvas.Camera
	ok     bool
}

func (t *timeoutGateway) GetCamera(ctx context.Context, noteID string) (canvas.Camera, bool, error) {
	res, err := bounded(ctx, t.timeout, "getCamera", func(ctx context.Context) (cameraResult, error) {
		camera, ok, err := t.inner.GetCamera(ctx, noteID)
		return cameraResult{camera: camera, ok: ok}, err
	})
	return res.camera, res.ok, err
}

func (t *timeoutGateway) SaveCamera(ctx context.Context, noteID string, camera canvas.Camera) error {
	_, err := bounded(ctx, t.timeout, "saveCamera", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.inner.SaveCamera(ctx, noteID, camera)
	})
	return err
}

func (t *timeoutGateway) Close() error {
	return t.inner.Close()
}
