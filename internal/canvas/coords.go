// Package canvas holds the panel model and the bridge between world-space
// (persisted, pan/zoom invariant) and screen-space (camera relative) geometry.
//
// Every persisted coordinate is world-space and every rendered coordinate is
// screen-space. The conversion functions in this file are the only place the
// two meet; the distinct point and size types make it a compile error to hand a
// world value to something that expects a screen value.
package canvas

import "math"

type WorldPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type WorldSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ScreenSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Camera is the per-workspace view transform.
type Camera struct {
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
	Zoom       float64 `json:"zoom"`
}

const (
	DefaultMinZoom = 0.1
	DefaultMaxZoom = 8.0
)

func DefaultCamera() Camera {
	return Camera{Zoom: 1}
}

// ClampZoom returns a copy of the camera with its zoom bounded to [min, max].
// The conversion functions never clamp; callers do it here first.
func (c Camera) ClampZoom(min, max float64) Camera {
	if min <= 0 {
		min = DefaultMinZoom
	}
	if max < min {
		max = min
	}
	if math.IsNaN(c.Zoom) || c.Zoom < min {
		c.Zoom = min
	} else if c.Zoom > max {
		c.Zoom = max
	}
	return c
}

func (c Camera) Equal(other Camera) bool {
	return c.TranslateX == other.TranslateX && c.TranslateY == other.TranslateY && c.Zoom == other.Zoom
}

// ScreenToWorld maps a screen position to world-space. zoom must be > 0.
func ScreenToWorld(screen ScreenPoint, camera Camera, zoom float64) WorldPoint {
	return WorldPoint{
		X: screen.X/zoom - camera.TranslateX,
		Y: screen.Y/zoom - camera.TranslateY,
	}
}

// WorldToScreen maps a world position to screen-space. zoom must be > 0.
func WorldToScreen(world WorldPoint, camera Camera, zoom float64) ScreenPoint {
	return ScreenPoint{
		X: (world.X + camera.TranslateX) * zoom,
		Y: (world.Y + camera.TranslateY) * zoom,
	}
}

func SizeScreenToWorld(size ScreenSize, zoom float64) WorldSize {
	return WorldSize{Width: size.Width / zoom, Height: size.Height / zoom}
}

func SizeWorldToScreen(size WorldSize, zoom float64) ScreenSize {
	return ScreenSize{Width: size.Width * zoom, Height: size.Height * zoom}
}

// RenderedPanel pairs a persisted panel with its screen geometry under one camera.
type RenderedPanel struct {
	Panel          Panel       `json:"panel"`
	ScreenPosition ScreenPoint `json:"screenPosition"`
	ScreenSize     ScreenSize  `json:"screenSize"`
}

// RenderPanel is the only path from stored geometry to render geometry.
func RenderPanel(panel Panel, camera Camera) RenderedPanel {
	return RenderedPanel{
		Panel:          panel,
		ScreenPosition: WorldToScreen(panel.Position, camera, camera.Zoom),
		ScreenSize:     SizeWorldToScreen(panel.Size, camera.Zoom),
	}
}

func RenderPanels(panels []Panel, camera Camera) []RenderedPanel {
	out := make([]RenderedPanel, 0, len(panels))
	for _, panel := range panels {
		out = append(out, RenderPanel(panel, camera))
	}
	return out
}
