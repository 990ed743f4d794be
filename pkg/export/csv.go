package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// Record types of CSV rows
const (
	RecordModelPrediction = "model_prediction"
	RecordFinalAnnotation = "final_annotation"
	RecordFeedbackLog     = "feedback_log"
	RecordAction          = "action"
)

// CSVHeader is the column set of the flattened export
var CSVHeader = []string{
	"imageId", "transformerNo", "inspectionNo", "exportedAt", "exportedBy",
	"action_type", "actor", "actor_time", "action_box_before", "action_box_after",
	"recordType",
	"model_box", "model_class", "model_confidence",
	"final_box", "final_class", "final_manual",
	"annotator", "annotator_time",
	"feedback_type", "feedback_details",
}

// column indexes into CSVHeader
const (
	colActionType = 5 + iota
	colActor
	colActorTime
	colBoxBefore
	colBoxAfter
	colRecordType
	colModelBox
	colModelClass
	colModelConfidence
	colFinalBox
	colFinalClass
	colFinalManual
	colAnnotator
	colAnnotatorTime
	colFeedbackType
	colFeedbackDetails
)

// WriteCSV flattens the payload into rows: model predictions paired with the
// log or final annotation they turned into, final annotations with no model
// counterpart, logs matched by neither, then the action timeline.
func WriteCSV(w io.Writer, p Payload) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	row := func() []string {
		r := make([]string, len(CSVHeader))
		r[0], r[1], r[2], r[3], r[4] = p.ImageID, p.TransformerNo, p.InspectionNo, p.ExportedAt, p.ExportedBy
		return r
	}

	finals := make(map[string]FinalAnnotation, len(p.FinalAcceptedAnnotations))
	for _, f := range p.FinalAcceptedAnnotations {
		finals[boxKey(f.Box)] = f
	}
	modelKeys := make(map[string]bool, len(p.ModelPredictedAnomalies))
	usedLogs := make(map[int]bool)

	var rows [][]string

	for _, mp := range p.ModelPredictedAnomalies {
		k := boxKey(mp.Box)
		modelKeys[k] = true

		r := row()
		r[colRecordType] = RecordModelPrediction
		r[colModelBox] = jsonCell(mp.Box)
		r[colModelClass] = mp.Class
		r[colModelConfidence] = strconv.FormatFloat(mp.Confidence, 'f', -1, 64)

		if i := logIndexFor(p.FeedbackLogs, k); i >= 0 {
			usedLogs[i] = true
			lg := p.FeedbackLogs[i]
			mod := lg.UserModification
			if mod.FinalBox != nil {
				r[colFinalBox] = jsonCell(*mod.FinalBox)
			}
			r[colFinalClass] = firstNonEmpty(mod.FinalClass, mp.Class)
			r[colFinalManual] = "true"
			r[colAnnotator] = mod.ModifiedBy
			r[colAnnotatorTime] = mod.ModifiedAt
			r[colFeedbackType] = string(mod.Action)
			r[colFeedbackDetails] = jsonCell(lg)
		} else if f, ok := finals[k]; ok {
			r[colFinalBox] = jsonCell(f.Box)
			r[colFinalClass] = f.Class
			r[colFinalManual] = strconv.FormatBool(f.Manual)
			r[colAnnotator] = f.Annotator
		}
		rows = append(rows, r)
	}

	for _, f := range p.FinalAcceptedAnnotations {
		k := boxKey(f.Box)
		if modelKeys[k] {
			continue
		}
		r := row()
		r[colRecordType] = RecordFinalAnnotation
		r[colFinalBox] = jsonCell(f.Box)
		r[colFinalClass] = f.Class
		r[colFinalManual] = strconv.FormatBool(f.Manual)
		r[colAnnotator] = f.Annotator
		for i, lg := range p.FeedbackLogs {
			if add := lg.UserAddition; add != nil && boxKey(add.Box) == k {
				usedLogs[i] = true
				r[colActionType] = ActionUserAddition
				r[colActor] = add.AddedBy
				r[colActorTime] = add.AddedAt
				r[colBoxAfter] = jsonCell(add.Box)
				r[colAnnotator] = add.AddedBy
				r[colAnnotatorTime] = add.AddedAt
				r[colFeedbackType] = string(types.LogKindAddition)
				r[colFeedbackDetails] = jsonCell(lg)
				break
			}
		}
		rows = append(rows, r)
	}

	for i, lg := range p.FeedbackLogs {
		if usedLogs[i] {
			continue
		}
		r := row()
		r[colRecordType] = RecordFeedbackLog
		r[colFeedbackType] = string(lg.Kind())
		r[colFeedbackDetails] = jsonCell(lg)
		if b, ok := logBox(lg); ok {
			r[colModelBox] = jsonCell(b)
		}
		if add := lg.UserAddition; add != nil {
			r[colFinalClass] = add.Class
			r[colAnnotator] = add.AddedBy
			r[colAnnotatorTime] = add.AddedAt
		}
		if mod := lg.UserModification; mod != nil {
			r[colAnnotator] = mod.ModifiedBy
			r[colAnnotatorTime] = mod.ModifiedAt
		}
		rows = append(rows, r)
	}

	for _, a := range p.Actions {
		r := row()
		r[colActionType] = a.ActionType
		r[colActor] = a.Actor
		r[colActorTime] = a.At
		r[colRecordType] = RecordAction
		switch {
		case a.Details.Before != nil:
			r[colBoxBefore] = jsonCell(*a.Details.Before)
			if a.Details.After != nil {
				r[colBoxAfter] = jsonCell(*a.Details.After)
			}
		case a.Details.Box != nil:
			r[colBoxAfter] = jsonCell(*a.Details.Box)
		}
		if a.RelatedLog != nil {
			r[colFeedbackType] = string(a.RelatedLog.Kind())
			r[colFeedbackDetails] = jsonCell(*a.RelatedLog)
		}
		rows = append(rows, r)
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	return nil
}

// logIndexFor returns the first log referencing a model box with the given key
func logIndexFor(logs []types.FeedbackLog, key string) int {
	for i, lg := range logs {
		if o := lg.OriginalAIDetection; o != nil && lg.UserModification != nil && boxKey(o.Box) == key {
			return i
		}
	}
	return -1
}

func jsonCell(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
