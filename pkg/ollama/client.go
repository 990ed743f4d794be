package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/detection"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// DefaultTimeout applies when the caller's context has no deadline
const DefaultTimeout = 300 * time.Second

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)\s//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
	logger *slog.Logger
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	return NewClientWithHTTP(ollamaURL, http.DefaultClient, nil)
}

// NewClientWithHTTP creates a client on a custom HTTP client and logger
func NewClientWithHTTP(ollamaURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q needs scheme and host", ollamaURL)
	}

	// Drop any path such as /api/chat
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{
		client: api.NewClient(baseURL, httpClient),
		logger: logging.ForModule(logger, "ollama"),
	}, nil
}

// SimpleQuery performs a free-text query about an image
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.chat(ctx, model, prompt, imgB64, nil)
}

// DetectAnomalies asks the model for anomaly boxes and decodes its answer.
// Answers that hold no JSON yield an empty list.
func (c *Client) DetectAnomalies(ctx context.Context, model, prompt, imgB64 string) ([]types.AnomalyRecord, error) {
	options := map[string]any{"temperature": 0.2}

	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["top_p"] = 0.8
		options["num_ctx"] = 4096
	}

	content, err := c.chat(ctx, model, prompt, imgB64, options)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}

	records, ok := parseAnomalies(content)
	if !ok {
		c.logger.Warn("model answer held no anomaly JSON", "model", model, "length", len(content))
	}
	return records, nil
}

func (c *Client) chat(ctx context.Context, model, prompt, imgB64 string, options map[string]any) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	start := time.Now()
	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}
	c.logger.Debug("ollama chat finished", "model", model, "duration", time.Since(start))

	return responseContent, nil
}

// parseAnomalies decodes the model answer; the bool is false when no JSON was found
func parseAnomalies(raw string) ([]types.AnomalyRecord, bool) {
	raw = sanitizeModelJSON(raw)
	if raw == "" || (raw[0] != '{' && raw[0] != '[') {
		return nil, false
	}

	payload, err := detection.DecodePayload([]byte(raw))
	if err != nil {
		return nil, false
	}
	return payload.Anomalies, true
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from a model answer
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost object or array
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return strings.TrimSpace(raw)
	}
	closer := "}"
	if raw[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(raw, closer); end > start {
		raw = raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}
