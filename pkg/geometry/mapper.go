// Package geometry maps on-screen selection rectangles to normalized
// page-relative anchors and projects stored anchors back to pixel
// rectangles for the currently rendered page. Projection is a pure
// function of the anchor and the live page geometry; pixel rectangles
// are never cached across zoom, resize, or page-change events.
package geometry

import (
	"errors"

	"github.com/pagemark/pagemark/pkg/annotation"
)

// ErrInvalidSelection is returned when a selection rectangle has zero
// area or does not intersect any known rendered page. Callers recover by
// declining to create an anchor; the selection is simply ignored.
var ErrInvalidSelection = errors.New("geometry: invalid selection")

// Rect is an axis-aligned rectangle in screen pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Intersect returns the overlap of two rectangles. The result is Empty
// when they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.X+r.Width, o.X+o.Width)
	y1 := min(r.Y+r.Height, o.Y+o.Height)
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// PageView describes a page as currently rendered by the host: its
// 1-based page number, its bounding rectangle in screen coordinates, and
// its intrinsic raster size in pixels.
type PageView struct {
	Page            int
	Frame           Rect
	IntrinsicWidth  float64
	IntrinsicHeight float64
}

// Capture converts a raw selection rectangle into a normalized Anchor
// relative to the given page. Fractions are clamped to [0,1] because
// host text-selection APIs may overshoot the page boundary slightly.
func Capture(sel Rect, page PageView) (annotation.Anchor, error) {
	if sel.Empty() || page.Frame.Empty() || page.Page < 1 {
		return annotation.Anchor{}, ErrInvalidSelection
	}
	if sel.Intersect(page.Frame).Empty() {
		return annotation.Anchor{}, ErrInvalidSelection
	}
	return annotation.Anchor{
		Page:         page.Page,
		X:            clamp01((sel.X - page.Frame.X) / page.Frame.Width),
		Y:            clamp01((sel.Y - page.Frame.Y) / page.Frame.Height),
		Width:        clamp01(sel.Width / page.Frame.Width),
		Height:       clamp01(sel.Height / page.Frame.Height),
		PageWidthPx:  page.IntrinsicWidth,
		PageHeightPx: page.IntrinsicHeight,
	}, nil
}

// CaptureOnPages captures against whichever of the rendered pages the
// selection overlaps most. Selections that touch no page fail with
// ErrInvalidSelection.
func CaptureOnPages(sel Rect, pages []PageView) (annotation.Anchor, error) {
	var best *PageView
	bestArea := 0.0
	for i := range pages {
		overlap := sel.Intersect(pages[i].Frame)
		if overlap.Empty() {
			continue
		}
		if area := overlap.Width * overlap.Height; area > bestArea {
			bestArea = area
			best = &pages[i]
		}
	}
	if best == nil {
		return annotation.Anchor{}, ErrInvalidSelection
	}
	return Capture(sel, *best)
}

// Project converts a stored anchor back into the pixel rectangle to
// draw the overlay at, given the page's current rendered geometry. The
// second return is false when the anchor's page is not the one rendered;
// the caller should not draw.
func Project(a annotation.Anchor, page PageView) (Rect, bool) {
	if a.Page != page.Page || page.Frame.Empty() {
		return Rect{}, false
	}
	return Rect{
		X:      page.Frame.X + clamp01(a.X)*page.Frame.Width,
		Y:      page.Frame.Y + clamp01(a.Y)*page.Frame.Height,
		Width:  clamp01(a.Width) * page.Frame.Width,
		Height: clamp01(a.Height) * page.Frame.Height,
	}, true
}

// ProjectOnPages projects against the first rendered page that matches
// the anchor's page number.
func ProjectOnPages(a annotation.Anchor, pages []PageView) (Rect, bool) {
	for _, p := range pages {
		if p.Page == a.Page {
			return Project(a, p)
		}
	}
	return Rect{}, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
