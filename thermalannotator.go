// Package thermalannotator ties the review pieces of a thermal inspection
// image together: pointer input goes through the draw/edit state machine, the
// shape events it emits are reconciled against the model output and persisted,
// and the reviewed session can be exported.
//
// Basic usage:
//
//	store := memstore.New(0)
//	vp := viewport.StaticViewport{Width: 800, Height: 600}
//	ws := thermalannotator.New(store, vp, thermalannotator.Options{
//		Actor: types.Actor{UserID: "u1", UserName: "alice"},
//	})
//	defer ws.Close()
//
//	if err := ws.Open(ctx, types.NewImageRef("T1", "I1")); err != nil {
//		log.Fatal(err)
//	}
//	ws.SetEditMode(true)
//	_ = ws.Click(ctx, types.Point{X: 120, Y: 90})      // select a shape
//	_ = ws.PointerDown(ctx, types.Point{X: 160, Y: 130}) // grab its corner
//	_ = ws.PointerUp(ctx, types.Point{X: 200, Y: 170})   // edit is persisted
//
//	payload, _ := ws.Export("alice")
//	_ = export.WriteJSON(os.Stdout, payload)
//
// The package consists of these components:
//
//  1. Viewport (pkg/viewport): maps screen points into normalized image space
//  2. Geometry (pkg/geometry): builds, resizes and moves boxes and polygons
//  3. Annotator (pkg/annotator): the draw/edit state machine
//  4. Reconcile (pkg/reconcile): decisions, feedback logs and persistence
//  5. Export (pkg/export): JSON and CSV feedback exports
package thermalannotator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/annotator"
	"github.com/menta2k/thermal-annotator/pkg/client"
	"github.com/menta2k/thermal-annotator/pkg/export"
	"github.com/menta2k/thermal-annotator/pkg/reconcile"
	"github.com/menta2k/thermal-annotator/pkg/types"
	"github.com/menta2k/thermal-annotator/pkg/viewport"
)

// Version of the thermal annotator library
const Version = "1.0.0"

const component = "workspace"

// ErrNoSession is returned by operations that need an open image
var ErrNoSession = errors.NewStd("no image is open")

// Options configures a Workspace
type Options struct {
	Logger *slog.Logger
	// Actor is recorded on every decision
	Actor types.Actor
	// Location is the timezone of log and export timestamps, UTC when nil
	Location *time.Location
	// HandleRadius is the corner hit radius in normalized units
	HandleRadius float64
	// Clock and NewID default to time.Now and random UUIDs
	Clock func() time.Time
	NewID func() string
}

// Workspace is the review surface of one image at a time. It is safe for
// concurrent use; calls are serialized.
type Workspace struct {
	mu sync.Mutex

	engine  *reconcile.Engine
	machine *annotator.Machine
	session *reconcile.Session
	logger  *slog.Logger
	actor   types.Actor
	loc     *time.Location
	clock   func() time.Time

	newClass    string
	unsubscribe func()

	// set while a machine call is running so the event handler can reach them
	ctx   context.Context
	opErr error
}

// New creates a workspace persisting through store and reading the rendered
// image rectangle from vp
func New(store client.AnomalyStore, vp viewport.ImageViewport, opts Options) *Workspace {
	logger := logging.ForModule(opts.Logger, component)
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	w := &Workspace{
		engine: reconcile.NewEngine(store, reconcile.Options{
			Logger:   opts.Logger,
			Clock:    clock,
			Location: loc,
			NewID:    opts.NewID,
		}),
		machine: annotator.NewWithOptions(vp, annotator.Options{
			HandleRadius: opts.HandleRadius,
			Logger:       opts.Logger,
		}),
		logger:   logger,
		actor:    opts.Actor,
		loc:      loc,
		clock:    clock,
		newClass: types.DefaultClassName,
	}
	w.unsubscribe = w.machine.Subscribe(w.handle)
	return w
}

// Close detaches the workspace from its state machine
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
}

// Open loads the anomalies of an image and shows them for editing
func (w *Workspace) Open(ctx context.Context, ref types.ImageRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.engine.LoadSession(ctx, ref)
	if err != nil {
		return err
	}
	w.session = s
	w.machine.SetShapes(s.Active())
	w.logger.Info("image opened", "image_id", ref.ImageID(), "shapes", len(s.Active()))
	return nil
}

// SetActor changes who subsequent decisions are recorded against
func (w *Workspace) SetActor(actor types.Actor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actor = actor
}

// SetNewShapeClass sets the class given to shapes drawn from now on
func (w *Workspace) SetNewShapeClass(className string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if className == "" {
		className = types.DefaultClassName
	}
	w.newClass = className
}

// Shapes returns the active shapes as currently displayed
func (w *Workspace) Shapes() []types.Shape {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.Shapes()
}

// Removed returns the rejected shapes of the open image
func (w *Workspace) Removed() []types.Shape {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	return w.session.Removed()
}

// Logs returns the feedback log stream of the open image
func (w *Workspace) Logs() []types.FeedbackLog {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	return w.session.Logs()
}

// State returns the state machine's state and selected shape
func (w *Workspace) State() (annotator.State, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.State(), w.machine.SelectedID()
}

// Preview returns the in-progress box of a box draw
func (w *Workspace) Preview() (types.Box, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.Preview()
}

// SetEditMode toggles editing. Turning it off discards a drag in progress.
func (w *Workspace) SetEditMode(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.machine.SetEditMode(on)
	if w.session != nil && w.session.Tracking() {
		w.session.Settle()
		w.machine.SetShapes(w.session.Active())
	}
}

// SetDrawMode toggles drawing of the given shape kind
func (w *Workspace) SetDrawMode(on bool, kind types.ShapeKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.SetDrawMode(on, kind)
}

// PointerDown forwards a pointer press in screen coordinates
func (w *Workspace) PointerDown(ctx context.Context, p types.Point) error {
	return w.run(ctx, func() error { return w.machine.PointerDown(p) })
}

// PointerMove forwards a pointer move. Drag moves are shown and exported but
// not persisted.
func (w *Workspace) PointerMove(ctx context.Context, p types.Point) error {
	return w.run(ctx, func() error { w.machine.PointerMove(p); return nil })
}

// PointerUp forwards a pointer release. Finishing a box draw adds the shape and
// ending a drag persists the edit.
func (w *Workspace) PointerUp(ctx context.Context, p types.Point) error {
	return w.run(ctx, func() error { w.machine.PointerUp(p); return nil })
}

// Click forwards a click: it selects shapes or adds polygon points
func (w *Workspace) Click(ctx context.Context, p types.Point) error {
	return w.run(ctx, func() error { w.machine.Click(p); return nil })
}

// DoubleClick forwards a double click, closing a polygon being drawn
func (w *Workspace) DoubleClick(ctx context.Context, p types.Point) error {
	return w.run(ctx, func() error { w.machine.DoubleClick(p); return nil })
}

// Escape cancels a draw or clears the selection
func (w *Workspace) Escape() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.machine.Escape()
}

// DeleteSelected deletes the selected shape. When persisting fails the shape
// is restored and the error returned.
func (w *Workspace) DeleteSelected(ctx context.Context) error {
	return w.run(ctx, w.machine.DeleteSelected)
}

// Accept marks an AI-sourced shape as accepted
func (w *Workspace) Accept(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return ErrNoSession
	}
	if err := w.engine.Accept(w.session, w.actor, id); err != nil {
		return err
	}
	w.machine.SetShapes(w.session.Active())
	return nil
}

// Reject moves a shape to the removed list
func (w *Workspace) Reject(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return ErrNoSession
	}
	if err := w.engine.Reject(w.session, w.actor, id); err != nil {
		return err
	}
	w.machine.SetShapes(w.session.Active())
	return nil
}

// EditClass changes the class of a shape
func (w *Workspace) EditClass(ctx context.Context, id, className string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return ErrNoSession
	}
	_, err := w.engine.EditClass(ctx, w.session, w.actor, id, className)
	w.machine.SetShapes(w.session.Active())
	return err
}

// Export builds the feedback export of the open image
func (w *Workspace) Export(exportedBy string) (export.Payload, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return export.Payload{}, ErrNoSession
	}
	if exportedBy == "" {
		exportedBy = w.actor.DisplayName()
	}
	return export.Build(export.FromSession(w.session, exportedBy, w.clock(), w.loc)), nil
}

// run calls into the machine with the lock held and returns the first error
// raised by the machine or by reconciling the events it emitted
func (w *Workspace) run(ctx context.Context, fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx, w.opErr = ctx, nil
	defer func() { w.ctx = nil }()

	err := fn()
	if w.session != nil && w.session.Tracking() && w.machine.State() != annotator.StateDragging {
		w.session.Settle()
	}
	if err != nil {
		return err
	}
	return w.opErr
}

// handle reconciles a machine event. It runs inside run with the lock held.
func (w *Workspace) handle(ev annotator.ShapeEvent) {
	if w.session == nil {
		w.opErr = ErrNoSession
		return
	}
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	switch ev.Type {
	case annotator.EventCreated:
		_, _, err = w.engine.Add(ctx, w.session, w.actor, ev.BBox, ev.Polygon, w.newClass)
	case annotator.EventUpdated:
		if !ev.Committed {
			w.session.Track(ev.ShapeID, ev.BBox, ev.Polygon)
			return
		}
		_, err = w.engine.Edit(ctx, w.session, w.actor, ev.ShapeID, ev.BBox, ev.Polygon)
	case annotator.EventDeleted:
		_, err = w.engine.Delete(ctx, w.session, w.actor, ev.ShapeID)
	default:
		return
	}

	if err != nil {
		w.logger.Warn("shape event not reconciled", "type", ev.Type, "shape_id", ev.ShapeID, "error", err)
		if w.opErr == nil {
			w.opErr = err
		}
	}
	w.machine.SetShapes(w.session.Active())
}
