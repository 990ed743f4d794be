package reconcile

import (
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// Session is the reconciliation state of one image: the active shapes, the
// rejected ones, deletion tombstones and the feedback log stream.
// A Session is not safe for concurrent use.
type Session struct {
	Ref types.ImageRef

	active  []types.Shape
	removed []types.Shape
	deleted []types.Shape
	logs    []types.FeedbackLog

	// settled holds the committed geometry of shapes moved by Track
	settled map[string]types.Shape

	// highWater is the largest idx ever handed out, so deleted indices are never reused
	highWater int
}

// NewSession creates a session from loaded shapes and previously persisted logs
func NewSession(ref types.ImageRef, shapes []types.Shape, logs []types.FeedbackLog) *Session {
	s := &Session{Ref: ref}
	for _, sh := range shapes {
		s.active = append(s.active, sh.Clone())
		if sh.Idx > s.highWater {
			s.highWater = sh.Idx
		}
	}
	s.logs = append(s.logs, logs...)
	return s
}

// ImageID returns the identifier used in feedback logs
func (s *Session) ImageID() string {
	return s.Ref.ImageID()
}

// Active returns a copy of the active shapes in display order
func (s *Session) Active() []types.Shape {
	return cloneAll(s.active)
}

// Removed returns a copy of the rejected shapes
func (s *Session) Removed() []types.Shape {
	return cloneAll(s.removed)
}

// Deleted returns a copy of the deletion tombstones
func (s *Session) Deleted() []types.Shape {
	return cloneAll(s.deleted)
}

// Logs returns a copy of the feedback log stream
func (s *Session) Logs() []types.FeedbackLog {
	return append([]types.FeedbackLog(nil), s.logs...)
}

// Shape looks up an active shape by ID
func (s *Session) Shape(id string) (types.Shape, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.active[i].Clone(), true
	}
	return types.Shape{}, false
}

// Track shows in-progress geometry of an active shape without recording an
// edit. The committed geometry returns on Settle, and is what the engine edits,
// rejects or deletes. It reports whether the shape exists.
func (s *Session) Track(id string, box types.Box, polygon []types.Point) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	if _, ok := s.settled[id]; !ok {
		if s.settled == nil {
			s.settled = make(map[string]types.Shape)
		}
		s.settled[id] = s.active[i].Clone()
	}
	s.active[i].BBox = box
	if polygon != nil {
		s.active[i].Polygon = append([]types.Point(nil), polygon...)
	}
	return true
}

// Tracking reports whether any shape shows in-progress geometry
func (s *Session) Tracking() bool {
	return len(s.settled) > 0
}

// Settle restores the committed geometry of every tracked shape
func (s *Session) Settle() {
	for id := range s.settled {
		s.settle(id)
	}
}

func (s *Session) settle(id string) {
	orig, ok := s.settled[id]
	if !ok {
		return
	}
	delete(s.settled, id)
	if i := s.indexOf(id); i >= 0 {
		s.active[i].BBox, s.active[i].Polygon = orig.BBox, orig.Polygon
	}
}

// HighWater returns the largest idx assigned so far
func (s *Session) HighWater() int {
	return s.highWater
}

// Actions returns the audit trail of every shape the session has seen, active
// shapes first, then rejected and deleted ones
func (s *Session) Actions() []types.AnnotationAction {
	var out []types.AnnotationAction
	for _, group := range [][]types.Shape{s.active, s.removed, s.deleted} {
		for _, sh := range group {
			out = append(out, sh.History...)
		}
	}
	return out
}

// nextIdx reserves the next display index
func (s *Session) nextIdx() int {
	maxIdx := s.highWater
	for _, sh := range s.active {
		if sh.Idx > maxIdx {
			maxIdx = sh.Idx
		}
	}
	s.highWater = maxIdx + 1
	return s.highWater
}

func (s *Session) indexOf(id string) int {
	for i := range s.active {
		if s.active[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) removeAt(i int) types.Shape {
	sh := s.active[i]
	s.active = append(s.active[:i:i], s.active[i+1:]...)
	return sh
}

func (s *Session) insertAt(i int, sh types.Shape) {
	if i > len(s.active) {
		i = len(s.active)
	}
	s.active = append(s.active[:i:i], append([]types.Shape{sh}, s.active[i:]...)...)
}

func cloneAll(shapes []types.Shape) []types.Shape {
	out := make([]types.Shape, len(shapes))
	for i, sh := range shapes {
		out[i] = sh.Clone()
	}
	return out
}
