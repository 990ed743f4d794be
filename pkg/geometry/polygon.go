package geometry

import "github.com/menta2k/thermal-annotator/pkg/types"

// MinPolygonPoints is the number of points needed to close a polygon
const MinPolygonPoints = 3

// PolygonBuilder accumulates clicked points of a polygon being drawn
type PolygonBuilder struct {
	points []types.Point
}

// Add appends a clamped point
func (pb *PolygonBuilder) Add(p types.Point) {
	pb.points = append(pb.points, types.Point{X: types.Clamp01(p.X), Y: types.Clamp01(p.Y)})
}

// Len returns the number of accumulated points
func (pb *PolygonBuilder) Len() int {
	return len(pb.points)
}

// Points returns a copy of the accumulated points
func (pb *PolygonBuilder) Points() []types.Point {
	return append([]types.Point(nil), pb.points...)
}

// Close finalizes the polygon. It returns false and keeps the points when there
// are fewer than MinPolygonPoints.
func (pb *PolygonBuilder) Close() ([]types.Point, types.Box, bool) {
	box, ok := PolygonBounds(pb.points)
	if !ok {
		return nil, types.Box{}, false
	}
	points := pb.Points()
	pb.points = nil
	return points, box, true
}

// Cancel discards the accumulated points
func (pb *PolygonBuilder) Cancel() {
	pb.points = nil
}
