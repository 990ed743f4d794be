// Package annotator implements the draw/edit state machine of the annotation canvas.
//
// The machine consumes pointer input in screen coordinates, maps it through an
// injected viewport, mutates geometry and publishes ShapeEvent values. It owns no
// persistence: hosts subscribe and decide what to store.
package annotator

import (
	"fmt"
	"log/slog"

	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/geometry"
	"github.com/menta2k/thermal-annotator/pkg/types"
	"github.com/menta2k/thermal-annotator/pkg/viewport"
)

// DefaultHandleRadius is the corner grab distance in normalized units
const DefaultHandleRadius = 0.015

// State is the interaction state of the machine
type State int

const (
	StateIdle State = iota
	StateDrawing
	StateSelected
	StateDragging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDrawing:
		return "drawing"
	case StateSelected:
		return "selected"
	case StateDragging:
		return "dragging"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Machine
type Options struct {
	HandleRadius float64
	Logger       *slog.Logger
}

// Machine is the draw/edit state machine. It is not safe for concurrent use.
type Machine struct {
	vp     viewport.ImageViewport
	radius float64
	logger *slog.Logger

	shapes   []types.Shape
	editMode bool
	drawMode bool
	drawKind types.ShapeKind

	state    State
	selected string

	// box drawing gesture
	drawStart   types.Point
	drawCurrent types.Point
	poly        geometry.PolygonBuilder
	hover       types.Point

	// drag gesture
	handle     geometry.Handle
	dragStart  types.Point
	dragOrigin types.Shape

	subs    []subscription
	nextSub int
}

// New creates a machine reading the rendered image rectangle from vp
func New(vp viewport.ImageViewport) *Machine {
	return NewWithOptions(vp, Options{})
}

// NewWithOptions creates a machine with custom options
func NewWithOptions(vp viewport.ImageViewport, opts Options) *Machine {
	radius := opts.HandleRadius
	if radius <= 0 {
		radius = DefaultHandleRadius
	}
	return &Machine{
		vp:       vp,
		radius:   radius,
		logger:   logging.ForModule(opts.Logger, "annotator"),
		drawKind: types.KindBBox,
	}
}

// State returns the current state
func (m *Machine) State() State { return m.state }

// SelectedID returns the selected or dragged shape, empty otherwise
func (m *Machine) SelectedID() string {
	if m.state == StateSelected || m.state == StateDragging {
		return m.selected
	}
	return ""
}

// EditMode reports whether editing is enabled
func (m *Machine) EditMode() bool { return m.editMode }

// DrawMode reports whether drawing is enabled and which kind of shape is drawn
func (m *Machine) DrawMode() (bool, types.ShapeKind) { return m.drawMode, m.drawKind }

// Shapes returns a copy of the shapes the machine hit-tests against
func (m *Machine) Shapes() []types.Shape {
	out := make([]types.Shape, len(m.shapes))
	for i, s := range m.shapes {
		out[i] = s.Clone()
	}
	return out
}

// SetShapes replaces the shape list, typically after the host reconciled an event.
// A selection whose shape disappeared is cleared.
func (m *Machine) SetShapes(shapes []types.Shape) {
	m.shapes = make([]types.Shape, 0, len(shapes))
	for _, s := range shapes {
		if s.IsDeleted {
			continue
		}
		m.shapes = append(m.shapes, s.Clone())
	}
	if (m.state == StateSelected || m.state == StateDragging) && m.find(m.selected) < 0 {
		m.state = StateIdle
		m.selected = ""
	}
}

// Preview returns the in-progress box of a box draw
func (m *Machine) Preview() (types.Box, bool) {
	if m.state != StateDrawing || m.drawKind != types.KindBBox {
		return types.Box{}, false
	}
	box, _ := geometry.BoxFromDrag(m.drawStart, m.drawCurrent)
	return box, true
}

// PolygonPoints returns the points of the polygon being drawn and the hover position
func (m *Machine) PolygonPoints() ([]types.Point, types.Point) {
	return m.poly.Points(), m.hover
}

// SetEditMode toggles editing. Turning it off discards any draw or drag and the selection.
func (m *Machine) SetEditMode(on bool) {
	if on {
		m.editMode = true
		return
	}
	m.editMode = false
	m.drawMode = false
	m.reset()
}

// SetDrawMode toggles drawing of the given shape kind. Toggling cancels a draw in
// progress and clears the selection; it is refused while a drag is active.
func (m *Machine) SetDrawMode(on bool, kind types.ShapeKind) error {
	if m.state == StateDragging {
		return types.ErrBusy
	}
	if kind != types.KindPolygon {
		kind = types.KindBBox
	}
	m.drawMode = on
	m.drawKind = kind
	m.reset()
	return nil
}

// PointerDown starts a box draw on empty canvas in draw mode, or a drag when
// pressing a handle or the body of the selected shape
func (m *Machine) PointerDown(screen types.Point) error {
	if !m.editMode {
		return nil
	}
	p := m.toImage(screen)

	switch m.state {
	case StateDragging:
		return types.ErrBusy
	case StateDrawing:
		if m.drawKind == types.KindPolygon {
			return nil
		}
		return types.ErrBusy
	}

	if m.drawMode {
		if m.drawKind == types.KindPolygon || m.shapeAt(p) >= 0 {
			return nil
		}
		m.state = StateDrawing
		m.drawStart, m.drawCurrent = p, p
		m.logger.Debug("box draw started", "x", p.X, "y", p.Y)
		return nil
	}

	if m.state != StateSelected {
		return nil
	}
	i := m.find(m.selected)
	if i < 0 {
		return nil
	}
	h := geometry.HandleAt(m.shapes[i].BBox, p, m.radius)
	if h == geometry.HandleNone {
		return nil
	}
	m.state = StateDragging
	m.handle = h
	m.dragStart = p
	m.dragOrigin = m.shapes[i].Clone()
	m.logger.Debug("drag started", "shape_id", m.selected, "handle", h)
	return nil
}

// PointerMove updates the draw preview or applies the drag
func (m *Machine) PointerMove(screen types.Point) {
	p := m.toImage(screen)
	switch m.state {
	case StateDrawing:
		if m.drawKind == types.KindBBox {
			m.drawCurrent = p
		} else {
			m.hover = p
		}
	case StateDragging:
		m.applyDrag(p, false)
	}
}

// PointerUp finishes a box draw or commits a drag
func (m *Machine) PointerUp(screen types.Point) {
	p := m.toImage(screen)
	switch m.state {
	case StateDrawing:
		if m.drawKind != types.KindBBox {
			return
		}
		box, ok := geometry.BoxFromDrag(m.drawStart, p)
		m.state = StateIdle
		if !ok {
			m.logger.Debug("box too small, discarded", "width", box.Width(), "height", box.Height())
			return
		}
		m.emit(ShapeEvent{Type: EventCreated, Kind: types.KindBBox, BBox: box})
	case StateDragging:
		m.state = StateSelected
		m.applyDrag(p, true)
	}
}

// Click appends a polygon point in polygon draw mode, otherwise selects the shape
// under the pointer or clears the selection
func (m *Machine) Click(screen types.Point) {
	if !m.editMode || m.state == StateDragging {
		return
	}
	p := m.toImage(screen)

	if m.drawMode {
		if m.drawKind != types.KindPolygon {
			return
		}
		if m.state == StateIdle && m.shapeAt(p) >= 0 {
			return
		}
		m.poly.Add(p)
		m.state = StateDrawing
		return
	}

	if i := m.shapeAt(p); i >= 0 {
		id := m.shapes[i].ID
		if m.state == StateSelected && m.selected == id {
			return
		}
		m.state = StateSelected
		m.selected = id
		m.emit(ShapeEvent{Type: EventSelected, ShapeID: id})
		return
	}

	if m.state == StateSelected {
		m.state = StateIdle
		m.selected = ""
		m.emit(ShapeEvent{Type: EventSelected})
	}
}

// DoubleClick closes the polygon being drawn. With fewer than three points the
// machine keeps drawing.
func (m *Machine) DoubleClick(screen types.Point) {
	if m.state != StateDrawing || m.drawKind != types.KindPolygon {
		return
	}
	points, box, ok := m.poly.Close()
	if !ok {
		return
	}
	m.state = StateIdle
	m.emit(ShapeEvent{Type: EventCreated, Kind: types.KindPolygon, BBox: box, Polygon: points})
}

// Escape cancels a draw in progress or clears the selection. Drags are not cancelled.
func (m *Machine) Escape() {
	switch m.state {
	case StateDrawing:
		m.poly.Cancel()
		m.state = StateIdle
	case StateSelected:
		m.state = StateIdle
		m.selected = ""
		m.emit(ShapeEvent{Type: EventSelected})
	}
}

// DeleteSelected removes the selected shape and emits a Deleted event
func (m *Machine) DeleteSelected() error {
	if m.state != StateSelected {
		return types.ErrShapeNotFound
	}
	i := m.find(m.selected)
	if i < 0 {
		return types.ErrShapeNotFound
	}
	id := m.selected
	m.shapes = append(m.shapes[:i], m.shapes[i+1:]...)
	m.state = StateIdle
	m.selected = ""
	m.emit(ShapeEvent{Type: EventDeleted, ShapeID: id})
	return nil
}

func (m *Machine) applyDrag(p types.Point, committed bool) {
	i := m.find(m.selected)
	if i < 0 {
		return
	}
	from := geometry.Sanitize(m.dragOrigin.BBox)
	box := geometry.Resize(m.dragOrigin.BBox, m.handle, p.X-m.dragStart.X, p.Y-m.dragStart.Y)

	s := &m.shapes[i]
	if box == m.dragOrigin.BBox {
		// released where it started: restore the shape and report no edit
		orig := m.dragOrigin.Clone()
		s.BBox, s.Polygon = orig.BBox, orig.Polygon
		committed = false
	} else {
		s.BBox = box
		if m.dragOrigin.Polygon != nil {
			s.Polygon = geometry.ScalePoints(m.dragOrigin.Polygon, from, box)
		}
	}
	m.emit(ShapeEvent{
		Type:      EventUpdated,
		ShapeID:   s.ID,
		Kind:      s.Kind,
		BBox:      s.BBox,
		Polygon:   append([]types.Point(nil), s.Polygon...),
		Committed: committed,
	})
}

// reset returns to idle, dropping draws, drags and the selection
func (m *Machine) reset() {
	m.poly.Cancel()
	hadSelection := m.state == StateSelected || m.state == StateDragging
	m.state = StateIdle
	m.selected = ""
	m.handle = geometry.HandleNone
	if hadSelection {
		m.emit(ShapeEvent{Type: EventSelected})
	}
}

func (m *Machine) toImage(screen types.Point) types.Point {
	return viewport.ToNormalized(screen, m.vp)
}

func (m *Machine) find(id string) int {
	for i := range m.shapes {
		if m.shapes[i].ID == id {
			return i
		}
	}
	return -1
}

// shapeAt returns the index of the topmost shape under p, or -1
func (m *Machine) shapeAt(p types.Point) int {
	for i := len(m.shapes) - 1; i >= 0; i-- {
		if geometry.HandleAt(m.shapes[i].BBox, p, m.radius) != geometry.HandleNone {
			return i
		}
	}
	return -1
}
