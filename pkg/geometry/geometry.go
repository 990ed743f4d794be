// Package geometry implements the shape model: building, resizing and moving
// normalized boxes and polygons while keeping them inside the image.
package geometry

import (
	"math"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// Handle identifies a resize handle on a box corner
type Handle string

const (
	HandleNone        Handle = ""
	HandleTopLeft     Handle = "tl"
	HandleTopRight    Handle = "tr"
	HandleBottomLeft  Handle = "bl"
	HandleBottomRight Handle = "br"
	// HandleBody is the whole box, used for moves
	HandleBody Handle = "body"
)

// Corners lists the resize handles in hit-test order
var Corners = []Handle{HandleTopLeft, HandleTopRight, HandleBottomLeft, HandleBottomRight}

// BoxFromDrag builds a normalized box from a drag gesture. The second return value is
// false when the box is too small to keep.
func BoxFromDrag(start, current types.Point) (types.Box, bool) {
	box := types.NewBox(
		math.Min(start.X, current.X),
		math.Min(start.Y, current.Y),
		math.Max(start.X, current.X),
		math.Max(start.Y, current.Y),
	).Normalize()
	return box, Acceptable(box)
}

// Acceptable reports whether a drawn box passes the minimum-size rule
func Acceptable(box types.Box) bool {
	return box.Width() > types.MinBoxSize && box.Height() > types.MinBoxSize
}

// PolygonBounds returns the axis-aligned box enclosing the points. Fewer than
// three points do not form a polygon.
func PolygonBounds(points []types.Point) (types.Box, bool) {
	if len(points) < 3 {
		return types.Box{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return types.NewBox(minX, minY, maxX, maxY).Normalize(), true
}

// ClampPoints returns a copy of the points with every coordinate clamped to [0,1]
func ClampPoints(points []types.Point) []types.Point {
	out := make([]types.Point, len(points))
	for i, p := range points {
		out[i] = types.Point{X: types.Clamp01(p.X), Y: types.Clamp01(p.Y)}
	}
	return out
}

// Sanitize normalizes a stored box and grows it to the minimum size so it can be edited
func Sanitize(box types.Box) types.Box {
	b := box.Normalize()
	b[0], b[2] = ensureSpan(b[0], b[2])
	b[1], b[3] = ensureSpan(b[1], b[3])
	return b
}

// ensureSpan widens [lo,hi] to at least MinBoxSize, shifting it back inside [0,1]
func ensureSpan(lo, hi float64) (float64, float64) {
	if hi-lo >= types.MinBoxSize {
		return lo, hi
	}
	hi = lo + types.MinBoxSize
	if hi > 1 {
		hi = 1
		lo = 1 - types.MinBoxSize
	}
	return lo, hi
}

// Resize moves the corner under the handle by (dx, dy). The opposite corner stays
// fixed and the box keeps at least the minimum size inside [0,1].
func Resize(box types.Box, handle Handle, dx, dy float64) types.Box {
	b := Sanitize(box)
	x1, y1, x2, y2 := b[0], b[1], b[2], b[3]

	switch handle {
	case HandleTopLeft:
		x1 = clamp(x1+dx, 0, x2-types.MinBoxSize)
		y1 = clamp(y1+dy, 0, y2-types.MinBoxSize)
	case HandleTopRight:
		x2 = clamp(x2+dx, x1+types.MinBoxSize, 1)
		y1 = clamp(y1+dy, 0, y2-types.MinBoxSize)
	case HandleBottomLeft:
		x1 = clamp(x1+dx, 0, x2-types.MinBoxSize)
		y2 = clamp(y2+dy, y1+types.MinBoxSize, 1)
	case HandleBottomRight:
		x2 = clamp(x2+dx, x1+types.MinBoxSize, 1)
		y2 = clamp(y2+dy, y1+types.MinBoxSize, 1)
	case HandleBody:
		return Move(b, dx, dy)
	}

	return types.NewBox(x1, y1, x2, y2)
}

// Move translates the box by (dx, dy), capping the translation so the box stays
// fully inside [0,1]. The box size never changes.
func Move(box types.Box, dx, dy float64) types.Box {
	b := Sanitize(box)
	dx = clamp(dx, -b[0], 1-b[2])
	dy = clamp(dy, -b[1], 1-b[3])
	return types.NewBox(b[0]+dx, b[1]+dy, b[2]+dx, b[3]+dy)
}

// ScalePoints maps polygon points from one bounding box into another
func ScalePoints(points []types.Point, from, to types.Box) []types.Point {
	fw, fh := from.Width(), from.Height()
	out := make([]types.Point, len(points))
	for i, p := range points {
		u, v := 0.0, 0.0
		if fw > 0 {
			u = (p.X - from[0]) / fw
		}
		if fh > 0 {
			v = (p.Y - from[1]) / fh
		}
		out[i] = types.Point{
			X: types.Clamp01(to[0] + u*to.Width()),
			Y: types.Clamp01(to[1] + v*to.Height()),
		}
	}
	return out
}

// Contains reports whether p lies inside or on the edge of the box
func Contains(box types.Box, p types.Point) bool {
	b := box.Normalize()
	return p.X >= b[0] && p.X <= b[2] && p.Y >= b[1] && p.Y <= b[3]
}

// CornerPoint returns the position of a corner handle
func CornerPoint(box types.Box, h Handle) types.Point {
	switch h {
	case HandleTopLeft:
		return types.Point{X: box[0], Y: box[1]}
	case HandleTopRight:
		return types.Point{X: box[2], Y: box[1]}
	case HandleBottomLeft:
		return types.Point{X: box[0], Y: box[3]}
	default:
		return types.Point{X: box[2], Y: box[3]}
	}
}

// HandleAt returns the corner handle within radius of p, the body if p is inside
// the box, or HandleNone.
func HandleAt(box types.Box, p types.Point, radius float64) Handle {
	for _, h := range Corners {
		c := CornerPoint(box, h)
		if math.Abs(c.X-p.X) <= radius && math.Abs(c.Y-p.Y) <= radius {
			return h
		}
	}
	if Contains(box, p) {
		return HandleBody
	}
	return HandleNone
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
