// Package httpstore implements the anomaly store on top of the inspection
// service's image-data REST endpoints.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

const component = "httpstore"

// BasePath is the prefix of the image-data endpoints
const BasePath = "/transformer-thermal-inspection/image-data"

// DefaultTimeout bounds a single request when the caller's context has no deadline
const DefaultTimeout = 30 * time.Second

// Response codes of the service envelope
const (
	CodeSuccess        = "2000"
	CodeCreated        = "2001"
	CodePartialSuccess = "2007"
)

// Options configures a Store
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Store talks to the image-data endpoints of the inspection service
type Store struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// envelope is the common response wrapper of the service
type envelope struct {
	ResponseCode        string          `json:"responseCode"`
	ResponseDescription string          `json:"responseDescription"`
	ResponseData        json.RawMessage `json:"responseData"`
}

// viewData is the part of the view response the store reads
type viewData struct {
	AnomaliesResponse *struct {
		Anomalies []types.AnomalyRecord `json:"anomalies"`
	} `json:"anomaliesResponse"`
	Logs json.RawMessage `json:"logs"`
}

// New creates a store for the service at baseURL
func New(baseURL string, opts Options) (*Store, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid store base URL %q", baseURL).
			Component(component).
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Store{
		baseURL: u,
		client:  opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  logging.ForModule(opts.Logger, component),
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

// FetchAnomalies loads the stored anomaly list and feedback logs of an image
func (s *Store) FetchAnomalies(ctx context.Context, ref types.ImageRef) (*types.AnomalySet, error) {
	data, err := s.view(ctx, ref)
	if err != nil {
		return nil, err
	}

	set := &types.AnomalySet{}
	if data.AnomaliesResponse != nil {
		set.Anomalies = data.AnomaliesResponse.Anomalies
	}
	logs, err := types.ParseLogsBlob(data.Logs)
	if err != nil {
		s.logger.Warn("ignoring unreadable logs", "image_id", ref.ImageID(), "error", err)
	}
	set.Logs = logs
	return set, nil
}

// FetchLogs loads only the feedback logs of an image
func (s *Store) FetchLogs(ctx context.Context, ref types.ImageRef) ([]types.FeedbackLog, error) {
	data, err := s.view(ctx, ref)
	if err != nil {
		return nil, err
	}
	logs, err := types.ParseLogsBlob(data.Logs)
	if err != nil {
		return nil, errors.New(err).
			Component(component).
			Category(errors.CategoryFileParsing).
			Context("image_id", ref.ImageID()).
			Build()
	}
	return logs, nil
}

// UpdateAnomalies replaces the anomaly list of an image. The logs field is only
// sent when there are logs.
func (s *Store) UpdateAnomalies(ctx context.Context, ref types.ImageRef, anomalies []types.PersistedAnomaly, logs []types.FeedbackLog) error {
	if anomalies == nil {
		anomalies = []types.PersistedAnomaly{}
	}
	detectionJSON, err := json.Marshal(anomalies)
	if err != nil {
		return fmt.Errorf("failed to encode anomalies: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{{"type", ref.Kind()}, {"detectionJson", string(detectionJSON)}}
	if len(logs) > 0 {
		logsJSON, err := json.Marshal(logs)
		if err != nil {
			return fmt.Errorf("failed to encode logs: %w", err)
		}
		fields = append(fields, [2]string{"logs", string(logsJSON)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close form: %w", err)
	}

	q := url.Values{"transformerNo": {ref.TransformerNo}, "inspectionNo": {ref.InspectionNo}}
	_, err = s.do(ctx, http.MethodPut, "update", q, &body, mw.FormDataContentType())
	if err != nil {
		return err
	}
	s.logger.Debug("anomalies updated", "image_id", ref.ImageID(), "anomalies", len(anomalies), "logs", len(logs))
	return nil
}

// RunDetection asks the service to run its detector on the stored thermal
// image. A partial success is reported as success with the description logged.
func (s *Store) RunDetection(ctx context.Context, ref types.ImageRef) error {
	q := url.Values{"transformerNo": {ref.TransformerNo}, "inspectionNo": {ref.InspectionNo}}
	env, err := s.do(ctx, http.MethodPost, "detect", q, nil, "")
	if err != nil {
		return err
	}
	if env.ResponseCode == CodePartialSuccess {
		s.logger.Warn("detection partially succeeded", "image_id", ref.ImageID(), "description", env.ResponseDescription)
	}
	return nil
}

func (s *Store) view(ctx context.Context, ref types.ImageRef) (*viewData, error) {
	q := url.Values{
		"transformerNo": {ref.TransformerNo},
		"inspectionNo":  {ref.InspectionNo},
		"type":          {ref.Kind()},
	}
	env, err := s.do(ctx, http.MethodGet, "view", q, nil, "")
	if err != nil {
		return nil, err
	}

	var data viewData
	if len(env.ResponseData) > 0 && string(env.ResponseData) != "null" {
		if err := json.Unmarshal(env.ResponseData, &data); err != nil {
			return nil, errors.New(fmt.Errorf("failed to decode view response: %w", err)).
				Component(component).
				Category(errors.CategoryFileParsing).
				Context("image_id", ref.ImageID()).
				Build()
		}
	}
	return &data, nil
}

// do performs a request against an endpoint and decodes the envelope
func (s *Store) do(ctx context.Context, method, endpoint string, q url.Values, body io.Reader, contentType string) (*envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	u := *s.baseURL
	u.Path = u.Path + BasePath + "/" + endpoint
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)).
			Component(component).
			Category(errors.CategoryNetwork).
			Context("endpoint", endpoint).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to read response: %w", err)).
			Component(component).
			Category(errors.CategoryNetwork).
			Context("endpoint", endpoint).
			Build()
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errors.New(fmt.Errorf("%w: status %d", types.ErrStoreUnavailable, resp.StatusCode)).
			Component(component).
			Category(errors.CategoryHTTP).
			Context("endpoint", endpoint).
			Context("status", resp.StatusCode).
			Build()
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode response envelope (status %d): %w", resp.StatusCode, err)).
			Component(component).
			Category(errors.CategoryHTTP).
			Context("endpoint", endpoint).
			Build()
	}

	switch env.ResponseCode {
	case CodeSuccess, CodeCreated, CodePartialSuccess:
		return &env, nil
	default:
		return nil, errors.Newf("%s failed with code %s: %s", endpoint, env.ResponseCode, env.ResponseDescription).
			Component(component).
			Category(errors.CategoryHTTP).
			Context("endpoint", endpoint).
			Context("status", resp.StatusCode).
			Build()
	}
}
