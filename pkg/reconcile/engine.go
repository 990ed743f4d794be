// Package reconcile applies review decisions (accept, reject, edit, add, delete)
// to a session's shapes, records deviations from model output as feedback logs
// and persists the full active list through an anomaly store.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/client"
	"github.com/menta2k/thermal-annotator/pkg/detection"
	"github.com/menta2k/thermal-annotator/pkg/geometry"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

const component = "reconcile"

// PersistDecimals is the precision of boxes sent to the anomaly store
const PersistDecimals = 6

// Options configures an Engine
type Options struct {
	Logger *slog.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
	// Location is the timezone of log timestamps, UTC when nil
	Location *time.Location
	// NewID defaults to random UUIDs
	NewID func() string
}

// Engine reconciles user decisions against the model output of an image
type Engine struct {
	store  client.AnomalyStore
	logger *slog.Logger
	clock  func() time.Time
	loc    *time.Location
	newID  func() string
}

// NewEngine creates an engine persisting through store
func NewEngine(store client.AnomalyStore, opts Options) *Engine {
	e := &Engine{
		store:  store,
		logger: logging.ForModule(opts.Logger, component),
		clock:  opts.Clock,
		loc:    opts.Location,
		newID:  opts.NewID,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// LoadSession fetches the anomalies and logs of an image and builds a session
func (e *Engine) LoadSession(ctx context.Context, ref types.ImageRef) (*Session, error) {
	set, err := e.store.FetchAnomalies(ctx, ref)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to load anomalies: %w", err)).
			Component(component).
			Category(errors.CategoryPersistence).
			Context("image_id", ref.ImageID()).
			Build()
	}
	if set == nil {
		set = &types.AnomalySet{}
	}

	shapes := detection.MapAnomaliesWith(set.Anomalies, e.newID, e.clock())
	e.logger.Info("session loaded", "image_id", ref.ImageID(), "shapes", len(shapes), "logs", len(set.Logs))
	return NewSession(ref, shapes, set.Logs), nil
}

// Accept marks an AI-sourced shape as accepted. Acceptance is the default outcome
// and is neither logged nor persisted. Shapes that are not AI-sourced are left as is.
func (e *Engine) Accept(s *Session, actor types.Actor, id string) error {
	i := s.indexOf(id)
	if i < 0 {
		return notFound(s, id)
	}
	sh := &s.active[i]
	if !sh.AIDetected {
		return nil
	}

	prev := sh.State()
	sh.Status = types.StatusAccepted
	e.record(sh, actor, types.ActionAccepted, prev, "")
	return nil
}

// Reject moves a shape from the active list to the removed list, stamping who
// rejected it and when. Rejection is local only: nothing is logged or persisted.
func (e *Engine) Reject(s *Session, actor types.Actor, id string) error {
	s.settle(id)
	i := s.indexOf(id)
	if i < 0 {
		return notFound(s, id)
	}

	sh := s.removeAt(i)
	prev := sh.State()
	sh.RejectedBy = actor.DisplayName()
	sh.RejectedAt = e.stamp()
	sh.Status = types.StatusRejected
	e.record(&sh, actor, types.ActionRejected, prev, "")
	s.removed = append(s.removed, sh)

	e.logger.Debug("shape rejected", "image_id", s.ImageID(), "idx", sh.Idx)
	return nil
}

// Delete removes a shape, logs the deletion and persists the remaining list.
// When persisting fails the shape and the log entry are rolled back.
func (e *Engine) Delete(ctx context.Context, s *Session, actor types.Actor, id string) (*types.FeedbackLog, error) {
	s.settle(id)
	i := s.indexOf(id)
	if i < 0 {
		return nil, notFound(s, id)
	}

	before := s.active[i].Clone()
	mod := types.UserModification{
		Action:     types.ModificationDeleted,
		ModifiedAt: e.stamp(),
		ModifiedBy: actor.DisplayName(),
	}

	var entry types.FeedbackLog
	switch {
	case before.AIDetected:
		entry = types.NewModificationLog(s.ImageID(), detectionOf(before), mod)
	case before.Original != nil:
		entry = types.NewModificationLog(s.ImageID(), *before.Original, mod)
	default:
		addedBy := before.CreatedBy
		if addedBy == "" {
			addedBy = actor.DisplayName()
		}
		entry = types.NewAdditionDeletedLog(s.ImageID(), types.UserAddition{
			Box:     before.BBox.Round(PersistDecimals),
			Class:   before.ClassName,
			AddedAt: e.format(before.CreatedAt),
			AddedBy: addedBy,
		}, mod)
	}

	sh := s.removeAt(i)
	prev := sh.State()
	sh.IsDeleted = true
	sh.Provenance = types.ProvenanceDeleted
	sh.ModifiedBy = actor.DisplayName()
	sh.ModifiedAt = e.clock()
	e.record(&sh, actor, types.ActionDeleted, prev, "")
	s.deleted = append(s.deleted, sh)
	s.logs = append(s.logs, entry)

	if err := e.persist(ctx, s, actor, &entry, ""); err != nil {
		s.deleted = s.deleted[:len(s.deleted)-1]
		s.logs = s.logs[:len(s.logs)-1]
		s.insertAt(i, before)
		e.logger.Warn("delete rolled back", "image_id", s.ImageID(), "idx", before.Idx, "error", err)
		return nil, err
	}

	e.logger.Info("shape deleted", "image_id", s.ImageID(), "idx", before.Idx, "ai", before.AIDetected)
	return &entry, nil
}

// Edit replaces the geometry of a shape and persists the list. Editing an
// AI-sourced shape logs the pre-edit detection and turns the shape into a user
// annotation. A failed persist leaves the edit applied. An invalid box is ignored,
// as is geometry equal to the current one at persisted precision.
func (e *Engine) Edit(ctx context.Context, s *Session, actor types.Actor, id string, box types.Box, polygon []types.Point) (*types.FeedbackLog, error) {
	box = box.Normalize()
	if !box.Valid() {
		e.logger.Debug("edit ignored, invalid box", "image_id", s.ImageID(), "shape_id", id)
		return nil, nil
	}
	s.settle(id)
	if sh, ok := s.Shape(id); ok && sameGeometry(sh, box, polygon) {
		e.logger.Debug("edit ignored, geometry unchanged", "image_id", s.ImageID(), "shape_id", id)
		return nil, nil
	}
	return e.modify(ctx, s, actor, id, func(sh *types.Shape) (types.Box, string) {
		sh.BBox = box
		if polygon != nil {
			sh.Polygon = geometry.ClampPoints(polygon)
		}
		return box, sh.ClassName
	})
}

// EditClass changes the class of a shape and persists the list. It is logged like
// Edit when the shape is AI-sourced. Setting the current class again is a no-op.
func (e *Engine) EditClass(ctx context.Context, s *Session, actor types.Actor, id, className string) (*types.FeedbackLog, error) {
	if className == "" {
		className = types.DefaultClassName
	}
	if sh, ok := s.Shape(id); ok && sh.ClassName == className {
		return nil, nil
	}
	return e.modify(ctx, s, actor, id, func(sh *types.Shape) (types.Box, string) {
		sh.ClassName = className
		sh.Color = detection.ColorFor(className)
		return sh.BBox, className
	})
}

func sameGeometry(sh types.Shape, box types.Box, polygon []types.Point) bool {
	if sh.BBox.Round(PersistDecimals) != box.Round(PersistDecimals) {
		return false
	}
	return polygon == nil || slices.Equal(sh.Polygon, geometry.ClampPoints(polygon))
}

func (e *Engine) modify(ctx context.Context, s *Session, actor types.Actor, id string, apply func(*types.Shape) (types.Box, string)) (*types.FeedbackLog, error) {
	s.settle(id)
	i := s.indexOf(id)
	if i < 0 {
		return nil, notFound(s, id)
	}
	sh := &s.active[i]
	prev := sh.State()
	original := detectionOf(*sh)
	wasAI := sh.AIDetected

	finalBox, finalClass := apply(sh)
	sh.ModifiedBy = actor.DisplayName()
	sh.ModifiedAt = e.clock()

	var entry *types.FeedbackLog
	if wasAI {
		finalBox = finalBox.Round(PersistDecimals)
		log := types.NewModificationLog(s.ImageID(), original, types.UserModification{
			Action:     types.ModificationModified,
			FinalBox:   &finalBox,
			FinalClass: finalClass,
			ModifiedAt: e.stamp(),
			ModifiedBy: actor.DisplayName(),
		})
		entry = &log
		sh.AIDetected = false
		sh.Provenance = types.ProvenanceEdited
		if sh.Original == nil {
			sh.Original = &original
		}
		s.logs = append(s.logs, log)
	}
	e.record(sh, actor, types.ActionEdited, prev, "")

	if err := e.persist(ctx, s, actor, entry, id); err != nil {
		return entry, err
	}
	e.logger.Info("shape edited", "image_id", s.ImageID(), "shape_id", id, "logged", entry != nil)
	return entry, nil
}

// Add appends a user-drawn shape with a fresh idx, logs the addition and persists
// the list. A box below the minimum size is discarded and nil is returned. A
// failed persist leaves the shape in place.
func (e *Engine) Add(ctx context.Context, s *Session, actor types.Actor, box types.Box, polygon []types.Point, className string) (*types.Shape, *types.FeedbackLog, error) {
	box = box.Normalize()
	if !geometry.Acceptable(box) {
		e.logger.Debug("add ignored, box too small", "image_id", s.ImageID())
		return nil, nil, nil
	}
	if className == "" {
		className = types.DefaultClassName
	}

	now := e.clock()
	sh := types.Shape{
		ID:         e.newID(),
		Idx:        s.nextIdx(),
		Kind:       types.KindBBox,
		BBox:       box,
		ClassName:  className,
		Color:      detection.ColorFor(className),
		Confidence: 0,
		AIDetected: false,
		UserAdded:  true,
		Source:     types.SourceUser,
		Provenance: types.ProvenanceManualAdded,
		CreatedBy:  actor.DisplayName(),
		CreatedAt:  now,
		ModifiedBy: actor.DisplayName(),
		ModifiedAt: now,
	}
	if len(polygon) >= geometry.MinPolygonPoints {
		sh.Kind = types.KindPolygon
		sh.Polygon = geometry.ClampPoints(polygon)
	}
	e.record(&sh, actor, types.ActionCreated, nil, "")

	entry := types.NewAdditionLog(s.ImageID(), types.UserAddition{
		Box:     box.Round(PersistDecimals),
		Class:   className,
		AddedAt: e.format(now),
		AddedBy: actor.DisplayName(),
	})
	s.active = append(s.active, sh)
	s.logs = append(s.logs, entry)

	out := sh.Clone()
	if err := e.persist(ctx, s, actor, &entry, sh.ID); err != nil {
		return &out, &entry, err
	}
	e.logger.Info("shape added", "image_id", s.ImageID(), "idx", sh.Idx, "class", className)
	return &out, &entry, nil
}

// PersistedList builds the full active list in the form sent to the store.
// editedID names a shape edited or added in this operation; its confidence is
// omitted.
func PersistedList(shapes []types.Shape, actor types.Actor, editedID string) []types.PersistedAnomaly {
	out := make([]types.PersistedAnomaly, 0, len(shapes))
	for _, sh := range shapes {
		p := types.PersistedAnomaly{
			Box:    sh.BBox.Round(PersistDecimals),
			Class:  sh.ClassName,
			Manual: !sh.AIDetected,
		}
		switch {
		case sh.ID == editedID:
			p.User = actor.DisplayName()
		case p.Manual && sh.RejectedBy != "":
			p.User = sh.RejectedBy
		case p.Manual:
			p.User = actor.DisplayName()
		}
		if sh.ID != editedID {
			p.Confidence = types.Float64(sh.Confidence)
		}
		out = append(out, p)
	}
	return out
}

// persist sends the active list and, when entry is set, the merged log array.
// A failed log fetch degrades to sending only the new entry.
func (e *Engine) persist(ctx context.Context, s *Session, actor types.Actor, entry *types.FeedbackLog, editedID string) error {
	anomalies := PersistedList(s.active, actor, editedID)

	var logs []types.FeedbackLog
	if entry != nil {
		existing, err := e.store.FetchLogs(ctx, s.Ref)
		if err != nil {
			e.logger.Warn("log fetch failed, sending new entry only", "image_id", s.ImageID(), "error", err)
			existing = nil
		}
		logs = append(existing, *entry)
	}

	if err := e.store.UpdateAnomalies(ctx, s.Ref, anomalies, logs); err != nil {
		return errors.New(fmt.Errorf("failed to persist anomalies: %w", err)).
			Component(component).
			Category(errors.CategoryPersistence).
			Context("image_id", s.ImageID()).
			Context("anomalies", len(anomalies)).
			Build()
	}

	if rec, ok := e.store.(client.ActionRecorder); ok {
		for _, sh := range s.active {
			if err := rec.RecordActions(ctx, s.Ref, sh, sh.History); err != nil {
				e.logger.Warn("audit trail not recorded", "image_id", s.ImageID(), "shape_id", sh.ID, "error", err)
			}
		}
		for _, sh := range s.deleted {
			if err := rec.RecordActions(ctx, s.Ref, sh, sh.History); err != nil {
				e.logger.Warn("audit trail not recorded", "image_id", s.ImageID(), "shape_id", sh.ID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) record(sh *types.Shape, actor types.Actor, action types.ActionType, prev *types.ShapeState, comment string) {
	sh.History = append(sh.History, types.AnnotationAction{
		ID:            e.newID(),
		ShapeID:       sh.ID,
		ActionType:    action,
		UserID:        actor.UserID,
		UserName:      actor.UserName,
		Timestamp:     e.clock(),
		Comment:       comment,
		PreviousState: prev,
		NewState:      sh.State(),
	})
}

// stamp returns the current time as written into logs
func (e *Engine) stamp() string {
	return e.format(e.clock())
}

func (e *Engine) format(t time.Time) string {
	if t.IsZero() {
		t = e.clock()
	}
	return t.In(e.loc).Format(time.RFC3339)
}

func detectionOf(sh types.Shape) types.AIDetection {
	return types.AIDetection{Box: sh.BBox, Class: sh.ClassName, Confidence: sh.Confidence}
}

func notFound(s *Session, id string) error {
	return errors.New(fmt.Errorf("%w: %s", types.ErrShapeNotFound, id)).
		Component(component).
		Category(errors.CategoryNotFound).
		Context("image_id", s.ImageID()).
		Build()
}
