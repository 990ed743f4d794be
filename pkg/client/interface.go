package client

import (
	"context"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

// VisionClient is an upstream producer of anomaly detections for an image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DetectAnomalies(ctx context.Context, model, prompt, imgB64 string) ([]types.AnomalyRecord, error)
}

// AnomalyStore persists the anomaly list and feedback logs of an image.
// UpdateAnomalies has replace semantics: the list sent is the full active list.
type AnomalyStore interface {
	FetchAnomalies(ctx context.Context, ref types.ImageRef) (*types.AnomalySet, error)
	UpdateAnomalies(ctx context.Context, ref types.ImageRef, anomalies []types.PersistedAnomaly, logs []types.FeedbackLog) error
	FetchLogs(ctx context.Context, ref types.ImageRef) ([]types.FeedbackLog, error)
}

// ActionRecorder is implemented by stores that keep a per-shape audit table
type ActionRecorder interface {
	RecordActions(ctx context.Context, ref types.ImageRef, shape types.Shape, actions []types.AnnotationAction) error
}
