package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestForModuleAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ForModule(base, "reconcile").Info("persisted")

	assert.Contains(t, buf.String(), "module=reconcile")
	assert.Contains(t, buf.String(), "msg=persisted")
}

func TestNewDiscardDropsEverything(t *testing.T) {
	assert.False(t, NewDiscard().Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, ForModule(nil, "x"))
}

func TestFanoutWritesToAll(t *testing.T) {
	var a, b bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	logger := slog.New(h).With("image_id", "T1_I1")

	logger.Info("info only")
	logger.Warn("both")

	assert.Contains(t, a.String(), "info only")
	assert.Contains(t, a.String(), "both")
	assert.NotContains(t, b.String(), "info only")
	assert.Contains(t, b.String(), `"image_id":"T1_I1"`)
}

func TestInitWithFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "annotator.log")
	logger, closeFn, err := Init(Options{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug("written to file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
