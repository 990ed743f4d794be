package detection

import (
	"context"
	"math"
	"strings"

	"github.com/menta2k/thermal-annotator/pkg/client"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks a vision model for thermal anomalies on a transformer image
const DefaultPrompt = `You are inspecting a thermal image of a distribution transformer.

Return JSON only:
{
  "anomalies": [
    {"box": [x1, y1, x2, y2], "class": "string", "confidence": 0.0}
  ]
}

HARD RULES
- Coordinates are normalized to [0,1] (NOT pixels), x1 < x2 and y1 < y2.
- class must be one of:
  "Loose Joint Faulty", "Loose Joint Potentially Faulty",
  "Point Overload Faulty", "Point Overload Potentially Faulty",
  "Full Wire Overload (Potentially Faulty)".
- One entry per hot spot. Boxes should tightly enclose the hot region.
- If nothing looks abnormal, return {"anomalies": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Detector produces anomaly records for an image using a vision model
type Detector struct {
	client client.VisionClient
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient) *Detector {
	return &Detector{client: client}
}

// DetectAnomalies analyzes an image and returns cleaned anomaly records.
// imgW and imgH convert pixel boxes when the model ignores normalization; pass
// zero when unknown.
func (d *Detector) DetectAnomalies(ctx context.Context, model, imageB64 string, imgW, imgH int) ([]types.AnomalyRecord, error) {
	return d.DetectAnomaliesWithPrompt(ctx, model, imageB64, DefaultPrompt, imgW, imgH)
}

// DetectAnomaliesWithPrompt analyzes an image with a custom prompt
func (d *Detector) DetectAnomaliesWithPrompt(ctx context.Context, model, imageB64, prompt string, imgW, imgH int) ([]types.AnomalyRecord, error) {
	records, err := d.client.DetectAnomalies(ctx, model, prompt, imageB64)
	if err != nil {
		return nil, err
	}
	return validateRecords(records, imgW, imgH), nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, model, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, model, SimpleTestPrompt, imageB64)
}

// validateRecords normalizes boxes, classes and confidences of model output and
// drops boxes that collapse to nothing. Model output is never marked manual.
func validateRecords(records []types.AnomalyRecord, imgW, imgH int) []types.AnomalyRecord {
	out := make([]types.AnomalyRecord, 0, len(records))
	for _, rec := range records {
		box := normalizeBox(types.BoxFromSlice(rec.Box), imgW, imgH)
		if !box.Valid() {
			continue
		}

		conf := 0.0
		switch {
		case rec.Confidence != nil:
			conf = *rec.Confidence
		case rec.Conf != nil:
			conf = *rec.Conf
		}
		if math.IsNaN(conf) {
			conf = 0
		}

		class := CanonicalClass(rec.Class)
		if class == "" || strings.EqualFold(class, "none") {
			class = types.DefaultClassName
		}

		out = append(out, types.AnomalyRecord{
			Box:        []float64{box[0], box[1], box[2], box[3]},
			Class:      class,
			Confidence: types.Float64(clamp(conf, 0, 1)),
			Manual:     types.Bool(false),
		})
	}
	return out
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox ensures box coordinates are ordered and within [0,1], converting
// from pixels when any coordinate exceeds 1 and the image size is known
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b[0] > 1 || b[1] > 1 || b[2] > 1 || b[3] > 1) {
		b = types.Box{
			b[0] / float64(imgW),
			b[1] / float64(imgH),
			b[2] / float64(imgW),
			b[3] / float64(imgH),
		}
	}
	return b.Normalize()
}
