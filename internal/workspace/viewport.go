package workspace

import (
	"sync"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

// Viewport keeps two cameras. The draft follows every pan and zoom gesture
// and is what gets rendered; the authoritative camera is the last one handed
// to persistence. Sync promotes the draft.
type Viewport struct {
	mu            sync.Mutex
	draft         canvas.Camera
	authoritative canvas.Camera
	minZoom       float64
	maxZoom       float64
}

func NewViewport(camera canvas.Camera, minZoom, maxZoom float64) *Viewport {
	if minZoom <= 0 {
		minZoom = canvas.DefaultMinZoom
	}
	if maxZoom < minZoom {
		maxZoom = canvas.DefaultMaxZoom
	}
	camera = camera.ClampZoom(minZoom, maxZoom)
	return &Viewport{draft: camera, authoritative: camera, minZoom: minZoom, maxZoom: maxZoom}
}

func (v *Viewport) Draft() canvas.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

func (v *Viewport) Authoritative() canvas.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authoritative
}

// Reset replaces both cameras, e.g. after hydration.
func (v *Viewport) Reset(camera canvas.Camera) {
	v.mu.Lock()
	defer v.mu.Unlock()
	camera = camera.ClampZoom(v.minZoom, v.maxZoom)
	v.draft = camera
	v.authoritative = camera
}

// Pan moves the draft by a screen-space delta.
func (v *Viewport) Pan(dx, dy float64) canvas.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.draft.TranslateX += dx / v.draft.Zoom
	v.draft.TranslateY += dy / v.draft.Zoom
	return v.draft
}

// ZoomAt scales the draft by factor keeping the world point under anchor
// fixed on screen.
func (v *Viewport) ZoomAt(factor float64, anchor canvas.ScreenPoint) canvas.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	if factor <= 0 {
		return v.draft
	}
	world := canvas.ScreenToWorld(anchor, v.draft, v.draft.Zoom)
	next := v.draft
	next.Zoom = v.draft.Zoom * factor
	next = next.ClampZoom(v.minZoom, v.maxZoom)
	next.TranslateX = anchor.X/next.Zoom - world.X
	next.TranslateY = anchor.Y/next.Zoom - world.Y
	v.draft = next
	return v.draft
}

// Sync promotes the draft and reports whether it differed.
func (v *Viewport) Sync() (canvas.Camera, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	changed := !v.draft.Equal(v.authoritative)
	v.authoritative = v.draft
	return v.authoritative, changed
}
