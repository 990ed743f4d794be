package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// Schema versions accepted by DecodePayload
const (
	// SchemaV0 is a bare JSON array of anomaly records
	SchemaV0 = 0
	// SchemaV1 is an envelope {"schemaVersion":1,"anomalies":[...],"logs":...}
	SchemaV1 = 1
)

// Payload is a decoded upstream anomaly document
type Payload struct {
	SchemaVersion int
	Anomalies     []types.AnomalyRecord
	Logs          []types.FeedbackLog
}

type envelope struct {
	SchemaVersion int                   `json:"schemaVersion"`
	Anomalies     []types.AnomalyRecord `json:"anomalies"`
	Logs          json.RawMessage       `json:"logs"`
}

// DecodePayload decodes an upstream anomaly document in any supported schema version
func DecodePayload(raw []byte) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &Payload{SchemaVersion: SchemaV0}, nil
	}

	switch raw[0] {
	case '[':
		var records []types.AnomalyRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("failed to decode anomaly array: %w", err)
		}
		return &Payload{SchemaVersion: SchemaV0, Anomalies: records}, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("failed to decode anomaly envelope: %w", err)
		}
		if env.SchemaVersion > SchemaV1 {
			return nil, fmt.Errorf("unsupported anomaly schema version %d", env.SchemaVersion)
		}
		logs, err := types.ParseLogsBlob(env.Logs)
		if err != nil {
			return nil, err
		}
		return &Payload{SchemaVersion: SchemaV1, Anomalies: env.Anomalies, Logs: logs}, nil
	default:
		return nil, fmt.Errorf("unsupported anomaly payload starting with %q", raw[0])
	}
}

// MapAnomalies converts upstream records into shapes, numbering them from 1
func MapAnomalies(records []types.AnomalyRecord) []types.Shape {
	return MapAnomaliesWith(records, uuid.NewString, time.Now())
}

// MapAnomaliesWith is MapAnomalies with an injected ID source and load time.
//
// Defaulting rules: a missing or short box becomes [0,0,0,0], a missing class
// becomes "Unknown", confidence falls back to conf and then to 0, and every
// record not explicitly marked manual is treated as AI output.
func MapAnomaliesWith(records []types.AnomalyRecord, newID func() string, now time.Time) []types.Shape {
	shapes := make([]types.Shape, 0, len(records))
	for i, rec := range records {
		shapes = append(shapes, mapRecord(rec, i+1, newID, now))
	}
	return shapes
}

func mapRecord(rec types.AnomalyRecord, idx int, newID func() string, now time.Time) types.Shape {
	id := newID()
	class := rec.Class
	if class == "" {
		class = types.DefaultClassName
	}

	confidence := 0.0
	switch {
	case rec.Confidence != nil:
		confidence = *rec.Confidence
	case rec.Conf != nil:
		confidence = *rec.Conf
	}

	manual := rec.Manual != nil && *rec.Manual

	s := types.Shape{
		ID:         id,
		Idx:        idx,
		Kind:       types.KindBBox,
		BBox:       types.BoxFromSlice(rec.Box),
		ClassName:  class,
		Color:      ColorFor(class),
		Confidence: confidence,
		AIDetected: !manual,
		UserAdded:  manual,
		RejectedBy: rec.RejectedBy,
		RejectedAt: rec.RejectedAt,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	action := types.ActionDetected
	if manual {
		s.Source = types.SourceUser
		s.Provenance = types.ProvenanceManualAdded
		s.CreatedBy = rec.User
		action = types.ActionCreated
	} else {
		s.Source = types.SourceAI
		s.Provenance = types.ProvenanceAIDetected
		s.Status = types.StatusPending
		s.Original = &types.AIDetection{Box: s.BBox, Class: class, Confidence: confidence}
	}

	s.History = []types.AnnotationAction{{
		ID:         newID(),
		ShapeID:    id,
		ActionType: action,
		UserID:     s.CreatedBy,
		Timestamp:  now,
		NewState:   s.State(),
	}}
	return s
}
