// Package export builds the feedback export of a reviewed image: the model
// predictions, the final accepted annotations, the feedback log stream, the
// removed anomalies and a unified action timeline. Payloads are written as
// indented JSON or as flattened CSV rows.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/menta2k/thermal-annotator/internal/utils"
	"github.com/menta2k/thermal-annotator/pkg/reconcile"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// Action types of the unified timeline
const (
	ActionModelDetection   = "model_detection"
	ActionUserModification = "user_modification"
	ActionUserDeletion     = "user_deletion"
	ActionUserAddition     = "user_addition"
)

// ModelActor is the actor of model_detection actions
const ModelActor = "AI"

// Removal sources
const (
	RemovedSourceAI   = "AI"
	RemovedSourceUser = "User"
)

// ModelPrediction is one model output, either still active or referenced by a log
type ModelPrediction struct {
	Box        types.Box `json:"box"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
}

// FinalAnnotation is an annotation that survived review
type FinalAnnotation struct {
	Idx       int           `json:"idx"`
	Box       types.Box     `json:"box"`
	Polygon   []types.Point `json:"polygon,omitempty"`
	Class     string        `json:"class"`
	Manual    bool          `json:"manual"`
	Annotator string        `json:"annotator"`
}

// RemovedAnomaly is a rejected shape enriched with the log entry that matches it
type RemovedAnomaly struct {
	Box         types.Box          `json:"box"`
	Class       string             `json:"class"`
	Source      string             `json:"source"`
	RemovedBy   string             `json:"removedBy,omitempty"`
	RemovedAt   string             `json:"removedAt,omitempty"`
	FeedbackLog *types.FeedbackLog `json:"feedbackLog"`
}

// ActionDetails carries the data of a timeline entry. Only the fields relevant to
// the action type are set.
type ActionDetails struct {
	Box        *types.Box `json:"box,omitempty"`
	Class      string     `json:"class,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	Before     *types.Box `json:"before,omitempty"`
	After      *types.Box `json:"after,omitempty"`
	FinalClass string     `json:"finalClass,omitempty"`
}

// Action is one entry of the unified timeline
type Action struct {
	ActionType string             `json:"actionType"`
	Actor      string             `json:"actor"`
	At         string             `json:"at,omitempty"`
	Details    ActionDetails      `json:"details"`
	RelatedLog *types.FeedbackLog `json:"relatedLog,omitempty"`
}

// Payload is the complete export of one image
type Payload struct {
	ImageID       string `json:"imageId"`
	TransformerNo string `json:"transformerNo"`
	InspectionNo  string `json:"inspectionNo"`
	ExportedAt    string `json:"exportedAt"`
	ExportedBy    string `json:"exportedBy"`

	ModelPredictedAnomalies  []ModelPrediction   `json:"modelPredictedAnomalies"`
	FinalAcceptedAnnotations []FinalAnnotation   `json:"finalAcceptedAnnotations"`
	FeedbackLogs             []types.FeedbackLog `json:"feedbackLogs"`
	RemovedAnomalies         []RemovedAnomaly    `json:"removedAnomalies"`
	Actions                  []Action            `json:"actions"`
}

// Input is everything the builder reads. Shapes and logs are not modified.
type Input struct {
	Ref        types.ImageRef
	Active     []types.Shape
	Removed    []types.Shape
	Logs       []types.FeedbackLog
	ExportedBy string
	ExportedAt time.Time
	// Location is the timezone of ExportedAt, UTC when nil
	Location *time.Location
}

// FromSession collects the builder input from a reconciliation session
func FromSession(s *reconcile.Session, exportedBy string, at time.Time, loc *time.Location) Input {
	return Input{
		Ref:        s.Ref,
		Active:     s.Active(),
		Removed:    s.Removed(),
		Logs:       s.Logs(),
		ExportedBy: exportedBy,
		ExportedAt: at,
		Location:   loc,
	}
}

// Build assembles the export payload. Boxes are matched by exact equality of
// their persisted form, so a model prediction referenced both by an active shape
// and by a log appears once.
func Build(in Input) Payload {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	p := Payload{
		ImageID:                  in.Ref.ImageID(),
		TransformerNo:            in.Ref.TransformerNo,
		InspectionNo:             in.Ref.InspectionNo,
		ExportedAt:               in.ExportedAt.In(loc).Format(time.RFC3339),
		ExportedBy:               in.ExportedBy,
		ModelPredictedAnomalies:  modelPredictions(in.Active, in.Logs),
		FinalAcceptedAnnotations: make([]FinalAnnotation, 0, len(in.Active)),
		FeedbackLogs:             append(make([]types.FeedbackLog, 0, len(in.Logs)), in.Logs...),
		RemovedAnomalies:         make([]RemovedAnomaly, 0, len(in.Removed)),
	}

	for _, sh := range in.Active {
		p.FinalAcceptedAnnotations = append(p.FinalAcceptedAnnotations, FinalAnnotation{
			Idx:       sh.Idx,
			Box:       sh.BBox,
			Polygon:   sh.Polygon,
			Class:     sh.ClassName,
			Manual:    !sh.AIDetected,
			Annotator: annotatorOf(sh, in.ExportedBy),
		})
	}

	for _, sh := range in.Removed {
		p.RemovedAnomalies = append(p.RemovedAnomalies, removedOf(sh, in.Logs))
	}

	p.Actions = actions(in)
	return p
}

// modelPredictions lists active AI shapes followed by the originals referenced
// by logs, without repeating a box
func modelPredictions(active []types.Shape, logs []types.FeedbackLog) []ModelPrediction {
	out := make([]ModelPrediction, 0, len(active))
	seen := make(map[string]bool)
	add := func(mp ModelPrediction) {
		k := boxKey(mp.Box)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, mp)
	}

	for _, sh := range active {
		if sh.AIDetected {
			add(ModelPrediction{Box: sh.BBox, Class: sh.ClassName, Confidence: sh.Confidence})
		}
	}
	for _, lg := range logs {
		if o := lg.OriginalAIDetection; o != nil {
			add(ModelPrediction{Box: o.Box, Class: o.Class, Confidence: o.Confidence})
		}
	}
	return out
}

func annotatorOf(sh types.Shape, exportedBy string) string {
	switch {
	case sh.RejectedBy != "":
		return sh.RejectedBy
	case sh.ModifiedBy != "":
		return sh.ModifiedBy
	case sh.CreatedBy != "":
		return sh.CreatedBy
	case exportedBy != "":
		return exportedBy
	case sh.UserAdded:
		return "User"
	}
	return ""
}

func removedOf(sh types.Shape, logs []types.FeedbackLog) RemovedAnomaly {
	r := RemovedAnomaly{
		Box:       sh.BBox,
		Class:     sh.ClassName,
		Source:    RemovedSourceUser,
		RemovedBy: sh.RejectedBy,
		RemovedAt: sh.RejectedAt,
	}
	if sh.AIDetected || sh.Original != nil {
		r.Source = RemovedSourceAI
	}

	match := matchingLog(logs, sh.BBox)
	if match == nil && sh.Original != nil {
		match = matchingLog(logs, sh.Original.Box)
	}
	if match != nil {
		lg := *match
		r.FeedbackLog = &lg
		if m := lg.UserModification; m != nil {
			if r.RemovedBy == "" {
				r.RemovedBy = m.ModifiedBy
			}
			if r.RemovedAt == "" {
				r.RemovedAt = m.ModifiedAt
			}
		}
	}
	return r
}

// matchingLog returns the first log whose model box or addition box equals box
func matchingLog(logs []types.FeedbackLog, box types.Box) *types.FeedbackLog {
	k := boxKey(box)
	for i := range logs {
		if b, ok := logBox(logs[i]); ok && boxKey(b) == k {
			return &logs[i]
		}
	}
	return nil
}

// logBox returns the box a log entry is keyed by
func logBox(lg types.FeedbackLog) (types.Box, bool) {
	switch {
	case lg.OriginalAIDetection != nil:
		return lg.OriginalAIDetection.Box, true
	case lg.UserAddition != nil:
		return lg.UserAddition.Box, true
	}
	return types.Box{}, false
}

// actions builds the timeline in three passes: every log entry, then active
// shapes no log accounts for, then removed shapes without a deletion entry
func actions(in Input) []Action {
	out := make([]Action, 0, len(in.Logs)+len(in.Active))
	logged := make(map[string]bool)

	for i := range in.Logs {
		lg := in.Logs[i]
		if b, ok := logBox(lg); ok {
			logged[boxKey(b)] = true
		}
		if mod := lg.UserModification; mod != nil && mod.FinalBox != nil {
			logged[boxKey(*mod.FinalBox)] = true
		}
		out = append(out, logActions(lg)...)
	}

	for _, sh := range in.Active {
		if logged[boxKey(sh.BBox)] {
			continue
		}
		box := sh.BBox
		switch {
		case sh.AIDetected:
			out = append(out, Action{
				ActionType: ActionModelDetection,
				Actor:      ModelActor,
				Details:    ActionDetails{Box: &box, Class: sh.ClassName, Confidence: types.Float64(sh.Confidence)},
			})
		case sh.UserAdded:
			out = append(out, Action{
				ActionType: ActionUserAddition,
				Actor:      firstNonEmpty(sh.CreatedBy, in.ExportedBy, "User"),
				At:         formatTime(sh.CreatedAt, in.Location),
				Details:    ActionDetails{Box: &box, Class: sh.ClassName},
			})
		}
	}

	for _, sh := range in.Removed {
		if hasDeletion(in.Logs, sh.BBox) {
			continue
		}
		box := sh.BBox
		out = append(out, Action{
			ActionType: ActionUserDeletion,
			Actor:      firstNonEmpty(sh.RejectedBy, in.ExportedBy),
			At:         sh.RejectedAt,
			Details:    ActionDetails{Box: &box, Class: sh.ClassName},
		})
	}
	return out
}

// logActions converts one log entry into its timeline actions. Entries that
// reference a model detection are preceded by that detection.
func logActions(lg types.FeedbackLog) []Action {
	related := lg
	mod := lg.UserModification

	var out []Action
	if o := lg.OriginalAIDetection; o != nil {
		box := o.Box
		out = append(out, Action{
			ActionType: ActionModelDetection,
			Actor:      ModelActor,
			Details:    ActionDetails{Box: &box, Class: o.Class, Confidence: types.Float64(o.Confidence)},
			RelatedLog: &related,
		})
	}

	switch lg.Kind() {
	case types.LogKindModified:
		before := lg.OriginalAIDetection.Box
		out = append(out, Action{
			ActionType: ActionUserModification,
			Actor:      mod.ModifiedBy,
			At:         mod.ModifiedAt,
			Details: ActionDetails{
				Before:     &before,
				After:      mod.FinalBox,
				Class:      lg.OriginalAIDetection.Class,
				FinalClass: mod.FinalClass,
			},
			RelatedLog: &related,
		})
	case types.LogKindDeleted:
		box, _ := logBox(lg)
		class := ""
		if lg.OriginalAIDetection != nil {
			class = lg.OriginalAIDetection.Class
		} else if lg.UserAddition != nil {
			class = lg.UserAddition.Class
		}
		out = append(out, Action{
			ActionType: ActionUserDeletion,
			Actor:      mod.ModifiedBy,
			At:         mod.ModifiedAt,
			Details:    ActionDetails{Box: &box, Class: class},
			RelatedLog: &related,
		})
	case types.LogKindAddition:
		add := lg.UserAddition
		box := add.Box
		out = append(out, Action{
			ActionType: ActionUserAddition,
			Actor:      add.AddedBy,
			At:         add.AddedAt,
			Details:    ActionDetails{Box: &box, Class: add.Class},
			RelatedLog: &related,
		})
	}
	return out
}

func hasDeletion(logs []types.FeedbackLog, box types.Box) bool {
	k := boxKey(box)
	for _, lg := range logs {
		if lg.Kind() != types.LogKindDeleted {
			continue
		}
		if b, ok := logBox(lg); ok && boxKey(b) == k {
			return true
		}
	}
	return false
}

// WriteJSON writes the payload as indented JSON
func WriteJSON(w io.Writer, p Payload) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// Filename returns the download name of an export, e.g. feedback_log_T1_I1.csv
func Filename(ref types.ImageRef, ext string) string {
	return utils.SanitizeFilename(fmt.Sprintf("feedback_log_%s_%s.%s", ref.TransformerNo, ref.InspectionNo, ext))
}

// boxKey is the identity of a box at persisted precision
func boxKey(b types.Box) string {
	return b.Round(reconcile.PersistDecimals).Key()
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
