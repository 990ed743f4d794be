package viewport

import "math"

const (
	// ScaleStep is the zoom increment of one zoom in/out action
	ScaleStep = 0.15
	// MinScale and MaxScale bound the zoom factor
	MinScale = 0.2
	MaxScale = 8.0
	// RotateStep is the rotation increment in degrees
	RotateStep = 90.0
	// DefaultMaxImageHeight caps the fitted image height in pixels
	DefaultMaxImageHeight = 600.0
)

// Transform is the pan/zoom/rotate state applied to the displayed image.
// Offsets are in screen pixels, rotation in degrees.
type Transform struct {
	Scale float64 `json:"scale"`
	OffX  float64 `json:"offX"`
	OffY  float64 `json:"offY"`
	Rot   float64 `json:"rot"`

	initial float64
}

// NewTransform creates an identity transform starting at the given scale
func NewTransform(initialScale float64) *Transform {
	if initialScale <= 0 {
		initialScale = 1
	}
	return &Transform{Scale: initialScale, initial: initialScale}
}

// ZoomIn increases the scale by one step
func (t *Transform) ZoomIn() {
	t.Scale = math.Min(MaxScale, t.Scale+ScaleStep)
}

// ZoomOut decreases the scale by one step
func (t *Transform) ZoomOut() {
	t.Scale = math.Max(MinScale, t.Scale-ScaleStep)
}

// Pan shifts the image by a screen delta
func (t *Transform) Pan(dx, dy float64) {
	t.OffX += dx
	t.OffY += dy
}

// RotateLeft and RotateRight turn the image by a quarter turn
func (t *Transform) RotateLeft()  { t.Rot -= RotateStep }
func (t *Transform) RotateRight() { t.Rot += RotateStep }

// Reset restores the initial scale and clears pan and rotation
func (t *Transform) Reset() {
	initial := t.initial
	if initial <= 0 {
		initial = 1
	}
	*t = Transform{Scale: initial, initial: initial}
}

// TransformedViewport computes the rendered rectangle of an image that is fitted
// into a container, centered, then translated, scaled and rotated about its center.
// The result is the axis-aligned box of the transformed image, matching what a
// rendering surface reports as the element's bounding rectangle.
type TransformedViewport struct {
	Container     Rect
	NaturalWidth  float64
	NaturalHeight float64
	// MaxHeight caps the fitted height; zero means DefaultMaxImageHeight
	MaxHeight float64
	Transform *Transform
}

// Fitted returns the untransformed display size of the image: scaled down to fit
// the container width and the max height, never scaled up
func (v TransformedViewport) Fitted() (float64, float64) {
	w, h := v.NaturalWidth, v.NaturalHeight
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	maxH := v.MaxHeight
	if maxH <= 0 {
		maxH = DefaultMaxImageHeight
	}
	ratio := 1.0
	if v.Container.Width > 0 && w > v.Container.Width {
		ratio = math.Min(ratio, v.Container.Width/w)
	}
	if h > maxH {
		ratio = math.Min(ratio, maxH/h)
	}
	return w * ratio, h * ratio
}

// Rect returns the axis-aligned bounding rectangle of the transformed image
func (v TransformedViewport) Rect() Rect {
	w, h := v.Fitted()
	if w == 0 || h == 0 {
		return Rect{}
	}

	t := v.Transform
	if t == nil {
		t = NewTransform(1)
	}
	scale := t.Scale
	if scale <= 0 {
		scale = 1
	}

	rad := t.Rot * math.Pi / 180
	cos, sin := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	// snap quarter turns so 90 degree rotations swap extents exactly
	if cos < 1e-12 {
		cos = 0
	}
	if sin < 1e-12 {
		sin = 0
	}
	bw := scale * (w*cos + h*sin)
	bh := scale * (w*sin + h*cos)

	cx := v.Container.Left + v.Container.Width/2 + t.OffX
	cy := v.Container.Top + v.Container.Height/2 + t.OffY

	return Rect{Left: cx - bw/2, Top: cy - bh/2, Width: bw, Height: bh}
}
