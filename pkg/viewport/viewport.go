// Package viewport maps pointer positions on screen into normalized image coordinates.
//
// The mapper never inverts the display transform. It samples the rendered bounding
// rectangle of the image, the same rectangle visual hit-testing uses, and normalizes
// the pointer against it.
package viewport

import "github.com/menta2k/thermal-annotator/pkg/types"

// Rect is an on-screen rectangle in pixels
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the rectangle has no area, e.g. an image not yet loaded
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ImageViewport reports the rendered bounding rectangle of the image element
type ImageViewport interface {
	Rect() Rect
}

// StaticViewport is a viewport with a fixed, already measured rectangle
type StaticViewport Rect

// Rect returns the fixed rectangle
func (s StaticViewport) Rect() Rect {
	return Rect(s)
}

// ToNormalized converts a screen position into clamped [0,1] image coordinates.
// A viewport without area maps every point to the origin.
func ToNormalized(screen types.Point, vp ImageViewport) types.Point {
	r := vp.Rect()
	if r.Empty() {
		return types.Point{}
	}
	return types.Point{
		X: types.Clamp01((screen.X - r.Left) / r.Width),
		Y: types.Clamp01((screen.Y - r.Top) / r.Height),
	}
}

// ToScreen converts normalized image coordinates back into a screen position
// inside the rendered rectangle
func ToScreen(p types.Point, vp ImageViewport) types.Point {
	r := vp.Rect()
	return types.Point{X: r.Left + p.X*r.Width, Y: r.Top + p.Y*r.Height}
}
