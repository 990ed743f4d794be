package annotator

import (
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// EventType names what happened to a shape
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventSelected EventType = "selected"
)

// ShapeEvent is emitted by the machine after every shape change. Created events
// carry the drawn geometry and no ID. A Selected event with an empty ShapeID
// means the selection was cleared.
type ShapeEvent struct {
	Type    EventType
	ShapeID string
	Kind    types.ShapeKind
	BBox    types.Box
	Polygon []types.Point
	// Committed marks the update sent when a drag gesture ends
	Committed bool
}

// Handler receives shape events
type Handler func(ShapeEvent)

type subscription struct {
	id int
	fn Handler
}

// Subscribe registers a handler and returns a function that removes it
func (m *Machine) Subscribe(fn Handler) func() {
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	return func() {
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Machine) emit(ev ShapeEvent) {
	m.logger.Debug("shape event", "type", ev.Type, "shape_id", ev.ShapeID, "committed", ev.Committed)
	subs := append([]subscription(nil), m.subs...)
	for _, s := range subs {
		s.fn(ev)
	}
}
