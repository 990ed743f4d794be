package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MinBoxSize is the smallest accepted width/height of a box in normalized units
const MinBoxSize = 0.01

// DefaultClassName is used when an anomaly arrives without a class
const DefaultClassName = "Unknown"

// DefaultImageKind is the image type the anomaly endpoints are keyed by
const DefaultImageKind = "Thermal"

// Point is a position in normalized image space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box represents a normalized bounding box (x1, y1, x2, y2) with coordinates in [0,1] range
type Box [4]float64

// NewBox builds a box from its corner coordinates without normalizing
func NewBox(x1, y1, x2, y2 float64) Box {
	return Box{x1, y1, x2, y2}
}

// BoxFromSlice coerces an upstream coordinate slice; short or missing slices become the zero box
func BoxFromSlice(coords []float64) Box {
	if len(coords) < 4 {
		return Box{}
	}
	return Box{coords[0], coords[1], coords[2], coords[3]}
}

// Width returns the horizontal extent of the box
func (b Box) Width() float64 { return b[2] - b[0] }

// Height returns the vertical extent of the box
func (b Box) Height() float64 { return b[3] - b[1] }

// Normalize orders the corners so x1<=x2, y1<=y2 and clamps every coordinate to [0,1]
func (b Box) Normalize() Box {
	return Box{
		Clamp01(math.Min(b[0], b[2])),
		Clamp01(math.Min(b[1], b[3])),
		Clamp01(math.Max(b[0], b[2])),
		Clamp01(math.Max(b[1], b[3])),
	}
}

// Valid reports whether the box is ordered, inside [0,1] and non-degenerate
func (b Box) Valid() bool {
	return b[0] >= 0 && b[1] >= 0 && b[2] <= 1 && b[3] <= 1 && b[0] < b[2] && b[1] < b[3]
}

// Round returns the box with each coordinate rounded to the given number of decimals
func (b Box) Round(decimals int) Box {
	p := math.Pow(10, float64(decimals))
	var out Box
	for i, v := range b {
		out[i] = math.Round(v*p) / p
	}
	return out
}

// Key returns the JSON-serialized coordinates, used as the identity of a box when matching
func (b Box) Key() string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf("%v", [4]float64(b))
	}
	return string(data)
}

// ApproxEqual compares two boxes coordinate-wise within eps
func (b Box) ApproxEqual(other Box, eps float64) bool {
	for i := range b {
		if math.Abs(b[i]-other[i]) > eps {
			return false
		}
	}
	return true
}

// Clamp01 limits v to the [0,1] range
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ShapeKind distinguishes rectangular and polygonal annotations
type ShapeKind string

const (
	KindBBox    ShapeKind = "bbox"
	KindPolygon ShapeKind = "polygon"
)

// Source records who produced a shape
type Source string

const (
	SourceAI   Source = "AI"
	SourceUser Source = "USER"
)

// Provenance records how a shape reached its current state
type Provenance string

const (
	ProvenanceAIDetected  Provenance = "AI_DETECTED"
	ProvenanceManualAdded Provenance = "MANUAL_ADDED"
	ProvenanceEdited      Provenance = "EDITED"
	ProvenanceDeleted     Provenance = "DELETED"
)

// ReviewStatus is the review state of an AI-sourced shape
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusAccepted ReviewStatus = "accepted"
	StatusRejected ReviewStatus = "rejected"
)

// ActionType names an entry in a shape's audit trail
type ActionType string

const (
	ActionDetected ActionType = "DETECTED"
	ActionCreated  ActionType = "CREATED"
	ActionAccepted ActionType = "ACCEPTED"
	ActionRejected ActionType = "REJECTED"
	ActionEdited   ActionType = "EDITED"
	ActionDeleted  ActionType = "DELETED"
)

// Actor identifies the user performing an edit
type Actor struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// DisplayName returns the name written into logs and persisted anomalies
func (a Actor) DisplayName() string {
	if a.UserName != "" {
		return a.UserName
	}
	if a.UserID != "" {
		return a.UserID
	}
	return "User"
}

// ImageRef identifies the image whose anomalies are being reviewed
type ImageRef struct {
	TransformerNo string `json:"transformerNo"`
	InspectionNo  string `json:"inspectionNo"`
	ImageKind     string `json:"type"`
}

// NewImageRef builds a reference to the thermal image of an inspection
func NewImageRef(transformerNo, inspectionNo string) ImageRef {
	return ImageRef{TransformerNo: transformerNo, InspectionNo: inspectionNo, ImageKind: DefaultImageKind}
}

// ImageID returns the identifier written into feedback logs
func (r ImageRef) ImageID() string {
	return r.TransformerNo + "_" + r.InspectionNo
}

// Kind returns the image kind, defaulting to thermal
func (r ImageRef) Kind() string {
	if r.ImageKind == "" {
		return DefaultImageKind
	}
	return r.ImageKind
}

// ShapeState is a snapshot of the mutable parts of a shape, stored in audit actions
type ShapeState struct {
	BBox       Box          `json:"bbox"`
	Polygon    []Point      `json:"polygon,omitempty"`
	ClassName  string       `json:"className"`
	Provenance Provenance   `json:"provenance"`
	Status     ReviewStatus `json:"status,omitempty"`
}

// AnnotationAction is an append-only audit trail entry of a shape
type AnnotationAction struct {
	ID            string      `json:"id"`
	ShapeID       string      `json:"shapeId"`
	ActionType    ActionType  `json:"actionType"`
	UserID        string      `json:"userId"`
	UserName      string      `json:"userName,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Comment       string      `json:"comment,omitempty"`
	PreviousState *ShapeState `json:"previousState,omitempty"`
	NewState      *ShapeState `json:"newState,omitempty"`
}

// Shape is a box or polygon annotation over an image
type Shape struct {
	ID         string       `json:"id"`
	Idx        int          `json:"idx"`
	Kind       ShapeKind    `json:"kind"`
	BBox       Box          `json:"bbox"`
	Polygon    []Point      `json:"polygon,omitempty"`
	ClassName  string       `json:"className"`
	Color      string       `json:"color"`
	Confidence float64      `json:"confidence"`
	AIDetected bool         `json:"aiDetected"`
	UserAdded  bool         `json:"userAdded"`
	Source     Source       `json:"source"`
	Provenance Provenance   `json:"provenance"`
	Status     ReviewStatus `json:"status,omitempty"`

	CreatedBy  string    `json:"createdBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedBy string    `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
	RejectedBy string    `json:"rejectedBy,omitempty"`
	RejectedAt string    `json:"rejectedAt,omitempty"`
	IsDeleted  bool      `json:"isDeleted"`

	// Original is the model output this shape started from, kept through edits
	Original *AIDetection `json:"original,omitempty"`

	History []AnnotationAction `json:"history,omitempty"`
}

// Clone returns a deep copy of the shape
func (s Shape) Clone() Shape {
	out := s
	if s.Polygon != nil {
		out.Polygon = append([]Point(nil), s.Polygon...)
	}
	if s.History != nil {
		out.History = append([]AnnotationAction(nil), s.History...)
	}
	if s.Original != nil {
		orig := *s.Original
		out.Original = &orig
	}
	return out
}

// State captures the current mutable state of the shape
func (s Shape) State() *ShapeState {
	st := &ShapeState{
		BBox:       s.BBox,
		ClassName:  s.ClassName,
		Provenance: s.Provenance,
		Status:     s.Status,
	}
	if s.Polygon != nil {
		st.Polygon = append([]Point(nil), s.Polygon...)
	}
	return st
}

// ModificationAction is the kind of change recorded against an AI detection
type ModificationAction string

const (
	ModificationModified ModificationAction = "modified"
	ModificationDeleted  ModificationAction = "deleted"
)

// AIDetection is the original model output referenced by a feedback log
type AIDetection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// UserModification records a user's change to an existing detection
type UserModification struct {
	Action     ModificationAction `json:"action"`
	FinalBox   *Box               `json:"finalBox,omitempty"`
	FinalClass string             `json:"finalClass,omitempty"`
	ModifiedAt string             `json:"modifiedAt"`
	ModifiedBy string             `json:"modifiedBy"`
}

// UserAddition records a manually added anomaly
type UserAddition struct {
	Box     Box    `json:"box"`
	Class   string `json:"class"`
	AddedAt string `json:"addedAt"`
	AddedBy string `json:"addedBy"`
}

// FeedbackLog is an audit record of a deviation from AI output.
// Exactly one of OriginalAIDetection and UserAddition is set.
type FeedbackLog struct {
	ImageID             string            `json:"imageId"`
	OriginalAIDetection *AIDetection      `json:"originalAIDetection,omitempty"`
	UserModification    *UserModification `json:"userModification,omitempty"`
	UserAddition        *UserAddition     `json:"userAddition,omitempty"`
}

// LogKind classifies a feedback log entry
type LogKind string

const (
	LogKindModified LogKind = "modified"
	LogKindDeleted  LogKind = "deleted"
	LogKindAddition LogKind = "userAddition"
	LogKindUnknown  LogKind = "unknown"
)

// NewModificationLog records a change or deletion of an AI detection
func NewModificationLog(imageID string, original AIDetection, mod UserModification) FeedbackLog {
	return FeedbackLog{ImageID: imageID, OriginalAIDetection: &original, UserModification: &mod}
}

// NewAdditionLog records a manually added anomaly
func NewAdditionLog(imageID string, addition UserAddition) FeedbackLog {
	return FeedbackLog{ImageID: imageID, UserAddition: &addition}
}

// NewAdditionDeletedLog records the deletion of a user-added anomaly
func NewAdditionDeletedLog(imageID string, addition UserAddition, mod UserModification) FeedbackLog {
	mod.Action = ModificationDeleted
	return FeedbackLog{ImageID: imageID, UserAddition: &addition, UserModification: &mod}
}

// Kind reports which variant of the union the entry is
func (l FeedbackLog) Kind() LogKind {
	switch {
	case l.UserModification != nil && l.UserModification.Action == ModificationDeleted:
		return LogKindDeleted
	case l.OriginalAIDetection != nil && l.UserModification != nil:
		return LogKindModified
	case l.UserAddition != nil:
		return LogKindAddition
	default:
		return LogKindUnknown
	}
}

// Validate checks the tagged-union invariant of the entry
func (l FeedbackLog) Validate() error {
	hasAI := l.OriginalAIDetection != nil
	hasAdd := l.UserAddition != nil
	if hasAI == hasAdd {
		return fmt.Errorf("%w: must carry exactly one of originalAIDetection or userAddition", ErrInvalidLog)
	}
	if hasAI && l.UserModification == nil {
		return fmt.Errorf("%w: originalAIDetection requires userModification", ErrInvalidLog)
	}
	return nil
}

// ParseLogsBlob decodes the opaque logs field returned by the anomaly endpoints.
// The blob may be a JSON string holding JSON, an array, a single object, or empty.
func ParseLogsBlob(raw []byte) ([]FeedbackLog, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("failed to decode logs string: %w", err)
		}
		return ParseLogsBlob([]byte(inner))
	case '[':
		var logs []FeedbackLog
		if err := json.Unmarshal(raw, &logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs array: %w", err)
		}
		return logs, nil
	case '{':
		var single FeedbackLog
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		return []FeedbackLog{single}, nil
	default:
		return nil, fmt.Errorf("unsupported logs blob starting with %q", raw[0])
	}
}

// AnomalyRecord is one anomaly as delivered by the upstream detector or the anomaly store
type AnomalyRecord struct {
	Box        []float64 `json:"box"`
	Class      string    `json:"class"`
	Confidence *float64  `json:"confidence,omitempty"`
	Conf       *float64  `json:"conf,omitempty"`
	Manual     *bool     `json:"manual,omitempty"`
	User       string    `json:"user,omitempty"`
	RejectedBy string    `json:"rejectedBy,omitempty"`
	RejectedAt string    `json:"rejectedAt,omitempty"`
}

// AnomalySet is the anomaly list and accumulated logs of one image
type AnomalySet struct {
	Anomalies []AnomalyRecord `json:"anomalies"`
	Logs      []FeedbackLog   `json:"logs,omitempty"`
}

// PersistedAnomaly is one entry of the full active list sent to the anomaly store
type PersistedAnomaly struct {
	Box        Box      `json:"box"`
	Class      string   `json:"class"`
	Manual     bool     `json:"manual"`
	User       string   `json:"user,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Record converts a persisted anomaly back into the upstream record form
func (p PersistedAnomaly) Record() AnomalyRecord {
	manual := p.Manual
	rec := AnomalyRecord{
		Box:    []float64{p.Box[0], p.Box[1], p.Box[2], p.Box[3]},
		Class:  p.Class,
		Manual: &manual,
		User:   p.User,
	}
	if p.Confidence != nil {
		c := *p.Confidence
		rec.Confidence = &c
	}
	return rec
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }
