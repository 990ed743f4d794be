package processing

import (
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/thermal-annotator/pkg/detection"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// OverlayOptions controls how shapes are drawn
type OverlayOptions struct {
	// Stroke is the line width in pixels, derived from the image size when zero
	Stroke int
	// Labels draws each shape's idx next to its top-left corner
	Labels bool
	// Highlight is the ID of a shape drawn with a thicker outline
	Highlight string
}

// RenderOverlay draws shapes onto a copy of img in their class colors. Boxes
// are outlined, polygons are drawn edge by edge.
func (p *Processor) RenderOverlay(img image.Image, shapes []types.Shape, opts OverlayOptions) *image.NRGBA {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()

	stroke := opts.Stroke
	if stroke <= 0 {
		stroke = int(math.Max(2, 0.004*float64(min(w, h))))
	}

	for _, sh := range shapes {
		if sh.IsDeleted {
			continue
		}
		c := ParseHexColor(sh.Color)
		if sh.Color == "" {
			c = ParseHexColor(detection.ColorFor(sh.ClassName))
		}
		s := stroke
		if sh.ID != "" && sh.ID == opts.Highlight {
			s = stroke * 2
		}

		if sh.Kind == types.KindPolygon && len(sh.Polygon) >= 3 {
			drawPolygon(out, sh.Polygon, w, h, c, s)
		} else {
			drawBox(out, sh.BBox, w, h, c, s)
		}

		if opts.Labels {
			x0, y0, _, _ := boxToPixels(sh.BBox, w, h)
			drawLabel(out, x0, y0, strconv.Itoa(sh.Idx), c)
		}
	}
	p.logger.Debug("overlay rendered", "shapes", len(shapes), "width", w, "height", h)
	return out
}

// defaultColor is detection.DefaultColor
var defaultColor = color.NRGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff}

// ParseHexColor parses "#rrggbb" or "#rgb", falling back to the default class color
func ParseHexColor(s string) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if len(s) != 6 || err != nil {
		return defaultColor
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawPolygon(img *image.NRGBA, points []types.Point, w, h int, c color.NRGBA, stroke int) {
	for i := range points {
		a, b := points[i], points[(i+1)%len(points)]
		drawLine(img,
			int(types.Clamp01(a.X)*float64(w-1)+0.5), int(types.Clamp01(a.Y)*float64(h-1)+0.5),
			int(types.Clamp01(b.X)*float64(w-1)+0.5), int(types.Clamp01(b.Y)*float64(h-1)+0.5),
			c, stroke)
	}
}

// drawLine draws a segment with Bresenham's algorithm, stamping a square pen
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	half := stroke / 2
	e := dx + dy
	for {
		for py := y0 - half; py < y0-half+stroke; py++ {
			drawHLine(img, py, x0-half, x0-half+stroke, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// drawLabel writes text on a filled background just above (x, y), or below it
// when there is no room
func drawLabel(img *image.NRGBA, x, y int, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, text).Ceil() + 4
	th := face.Metrics().Height.Ceil() + 2

	top := y - th
	if top < 0 {
		top = y
	}
	for py := top; py < top+th; py++ {
		drawHLine(img, py, x, x+tw, bg)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x+2, top+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
