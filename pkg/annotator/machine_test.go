package annotator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/menta2k/thermal-annotator/pkg/types"
	"github.com/menta2k/thermal-annotator/pkg/viewport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// screen maps normalized coordinates onto the 1000x1000 test viewport
func screen(x, y float64) types.Point {
	return types.Point{X: x * 1000, Y: y * 1000}
}

type recorder struct {
	events []ShapeEvent
}

func (r *recorder) handle(ev ShapeEvent) { r.events = append(r.events, ev) }

func (r *recorder) ofType(t EventType) []ShapeEvent {
	var out []ShapeEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestMachine(t *testing.T) (*Machine, *recorder) {
	t.Helper()
	m := New(viewport.StaticViewport{Width: 1000, Height: 1000})
	rec := &recorder{}
	m.Subscribe(rec.handle)
	m.SetEditMode(true)
	return m, rec
}

func sampleShapes() []types.Shape {
	return []types.Shape{
		{ID: "a", Idx: 1, Kind: types.KindBBox, BBox: types.NewBox(0.2, 0.2, 0.4, 0.4)},
		{ID: "b", Idx: 2, Kind: types.KindBBox, BBox: types.NewBox(0.6, 0.6, 0.8, 0.8)},
	}
}

func TestBoxDrawMinimumSize(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SetDrawMode(true, types.KindBBox))

	require.NoError(t, m.PointerDown(screen(0.10, 0.10)))
	m.PointerMove(screen(0.105, 0.105))
	m.PointerUp(screen(0.105, 0.105))

	assert.Empty(t, rec.ofType(EventCreated))
	assert.Equal(t, StateIdle, m.State())
	on, _ := m.DrawMode()
	assert.True(t, on, "a discarded box keeps draw mode on")

	require.NoError(t, m.PointerDown(screen(0.10, 0.10)))
	m.PointerMove(screen(0.12, 0.12))
	preview, ok := m.Preview()
	require.True(t, ok)
	assert.InDelta(t, 0.12, preview[2], 1e-12)
	m.PointerUp(screen(0.12, 0.12))

	created := rec.ofType(EventCreated)
	require.Len(t, created, 1)
	assert.Equal(t, types.KindBBox, created[0].Kind)
	assert.InDeltaSlice(t, []float64{0.10, 0.10, 0.12, 0.12}, created[0].BBox[:], 1e-12)
}

func TestPolygonClosure(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SetDrawMode(true, types.KindPolygon))

	m.Click(screen(0.1, 0.1))
	m.Click(screen(0.3, 0.1))
	m.DoubleClick(screen(0.3, 0.1))
	assert.Equal(t, StateDrawing, m.State(), "two points do not close a polygon")

	m.Click(screen(0.2, 0.3))
	m.DoubleClick(screen(0.2, 0.3))

	created := rec.ofType(EventCreated)
	require.Len(t, created, 1)
	assert.Equal(t, types.KindPolygon, created[0].Kind)
	assert.InDeltaSlice(t, []float64{0.1, 0.1, 0.3, 0.3}, created[0].BBox[:], 1e-12)
	assert.Equal(t, []types.Point{{X: 0.1, Y: 0.1}, {X: 0.3, Y: 0.1}, {X: 0.2, Y: 0.3}}, created[0].Polygon)
	assert.Equal(t, StateIdle, m.State())
}

func TestPolygonEscapeClearsPoints(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SetDrawMode(true, types.KindPolygon))

	m.Click(screen(0.5, 0.5))
	m.Click(screen(0.9, 0.5))
	m.Escape()
	assert.Equal(t, StateIdle, m.State())
	points, _ := m.PolygonPoints()
	assert.Empty(t, points)
	assert.Empty(t, rec.ofType(EventCreated))

	m.Click(screen(0.1, 0.1))
	m.Click(screen(0.3, 0.1))
	m.Click(screen(0.2, 0.3))
	m.DoubleClick(screen(0.2, 0.3))

	created := rec.ofType(EventCreated)
	require.Len(t, created, 1)
	assert.Len(t, created[0].Polygon, 3)
	assert.InDeltaSlice(t, []float64{0.1, 0.1, 0.3, 0.3}, created[0].BBox[:], 1e-12)
}

func TestDrawModeToggleCancelsDrawing(t *testing.T) {
	m, rec := newTestMachine(t)
	require.NoError(t, m.SetDrawMode(true, types.KindPolygon))
	m.Click(screen(0.1, 0.1))
	m.Click(screen(0.2, 0.1))

	require.NoError(t, m.SetDrawMode(false, types.KindPolygon))
	assert.Equal(t, StateIdle, m.State())
	points, _ := m.PolygonPoints()
	assert.Empty(t, points)
	assert.Empty(t, rec.events)
}

func TestSelectAndDeselect(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())

	m.Click(screen(0.3, 0.3))
	assert.Equal(t, StateSelected, m.State())
	assert.Equal(t, "a", m.SelectedID())

	m.Click(screen(0.7, 0.7))
	assert.Equal(t, "b", m.SelectedID())

	m.Click(screen(0.95, 0.05))
	assert.Equal(t, StateIdle, m.State())

	selected := rec.ofType(EventSelected)
	require.Len(t, selected, 3)
	assert.Equal(t, "a", selected[0].ShapeID)
	assert.Equal(t, "b", selected[1].ShapeID)
	assert.Empty(t, selected[2].ShapeID)
}

func TestClickIgnoredOutsideEditMode(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.SetEditMode(false)

	m.Click(screen(0.3, 0.3))
	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, rec.events)
}

func TestDragEmitsUpdateOnEveryMove(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))

	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))
	assert.Equal(t, StateDragging, m.State())

	m.PointerMove(screen(0.35, 0.3))
	m.PointerMove(screen(0.4, 0.3))
	m.PointerUp(screen(0.4, 0.3))

	updates := rec.ofType(EventUpdated)
	require.Len(t, updates, 3)
	assert.False(t, updates[0].Committed)
	assert.False(t, updates[1].Committed)
	assert.True(t, updates[2].Committed)
	assert.InDeltaSlice(t, []float64{0.3, 0.2, 0.5, 0.4}, updates[2].BBox[:], 1e-9)

	assert.Equal(t, StateSelected, m.State())
	assert.InDeltaSlice(t, []float64{0.3, 0.2, 0.5, 0.4}, m.Shapes()[0].BBox[:], 1e-9)
}

func TestDragReleasedInPlaceIsNotCommitted(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))

	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))
	m.PointerMove(screen(0.35, 0.35))
	m.PointerUp(screen(0.3, 0.3))

	updates := rec.ofType(EventUpdated)
	require.Len(t, updates, 2)
	for _, ev := range updates {
		assert.False(t, ev.Committed)
	}
	assert.Equal(t, types.NewBox(0.2, 0.2, 0.4, 0.4), updates[1].BBox)
	assert.Equal(t, StateSelected, m.State())
	assert.Equal(t, types.NewBox(0.2, 0.2, 0.4, 0.4), m.Shapes()[0].BBox)
}

func TestDragCornerHandle(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))

	require.NoError(t, m.PointerDown(screen(0.4, 0.4)))
	m.PointerMove(screen(0.9, 0.45))
	m.PointerUp(screen(2.0, 0.45))

	updates := rec.ofType(EventUpdated)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 1, 0.45}, last.BBox[:], 1e-9)
}

func TestDragScalesPolygon(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes([]types.Shape{{
		ID:      "p",
		Kind:    types.KindPolygon,
		BBox:    types.NewBox(0.2, 0.2, 0.4, 0.4),
		Polygon: []types.Point{{X: 0.2, Y: 0.2}, {X: 0.4, Y: 0.2}, {X: 0.3, Y: 0.4}},
	}})
	m.Click(screen(0.3, 0.3))

	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))
	m.PointerUp(screen(0.4, 0.4))

	updates := rec.ofType(EventUpdated)
	require.Len(t, updates, 1)
	assert.InDelta(t, 0.4, updates[0].Polygon[2].X, 1e-9)
	assert.InDelta(t, 0.5, updates[0].Polygon[2].Y, 1e-9)
}

func TestBusyWhileDragging(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))
	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))

	assert.ErrorIs(t, m.PointerDown(screen(0.7, 0.7)), types.ErrBusy)
	assert.ErrorIs(t, m.SetDrawMode(true, types.KindBBox), types.ErrBusy)

	m.Escape()
	assert.Equal(t, StateDragging, m.State(), "escape does not cancel a drag")
}

func TestBusyWhileDrawingBox(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetDrawMode(true, types.KindBBox))
	require.NoError(t, m.PointerDown(screen(0.1, 0.1)))

	assert.ErrorIs(t, m.PointerDown(screen(0.5, 0.5)), types.ErrBusy)
}

func TestDrawDoesNotStartOnExistingShape(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetShapes(sampleShapes())
	require.NoError(t, m.SetDrawMode(true, types.KindBBox))

	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))
	assert.Equal(t, StateIdle, m.State())
}

func TestEditModeOffDiscardsDrag(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))
	require.NoError(t, m.PointerDown(screen(0.3, 0.3)))
	m.PointerMove(screen(0.32, 0.3))

	m.SetEditMode(false)

	assert.Equal(t, StateIdle, m.State())
	m.PointerMove(screen(0.5, 0.5))
	assert.Len(t, rec.ofType(EventUpdated), 1)
}

func TestDeleteSelected(t *testing.T) {
	m, rec := newTestMachine(t)
	m.SetShapes(sampleShapes())

	assert.ErrorIs(t, m.DeleteSelected(), types.ErrShapeNotFound)

	m.Click(screen(0.7, 0.7))
	require.NoError(t, m.DeleteSelected())

	deleted := rec.ofType(EventDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "b", deleted[0].ShapeID)
	assert.Len(t, m.Shapes(), 1)
	assert.Equal(t, StateIdle, m.State())
}

func TestSetShapesDropsVanishedSelection(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetShapes(sampleShapes())
	m.Click(screen(0.3, 0.3))

	m.SetShapes(sampleShapes()[1:])
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.SelectedID())
}

func TestUnsubscribe(t *testing.T) {
	m := New(viewport.StaticViewport{Width: 1000, Height: 1000})
	m.SetEditMode(true)
	m.SetShapes(sampleShapes())

	var count int
	cancel := m.Subscribe(func(ShapeEvent) { count++ })
	m.Click(screen(0.3, 0.3))
	cancel()
	m.Click(screen(0.7, 0.7))

	assert.Equal(t, 1, count)
}
