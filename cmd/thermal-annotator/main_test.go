package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/thermal-annotator/internal/config"
	"github.com/menta2k/thermal-annotator/pkg/export"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := rootCommand(&app{v: config.NewViper()})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDemoExport(t *testing.T) {
	out, err := execute(t, "demo", "--log-level", "error")
	require.NoError(t, err)

	var p export.Payload
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, "DEMO-TX_DEMO-INSP", p.ImageID)
	assert.Equal(t, "Demo Reviewer", p.ExportedBy)
	assert.Len(t, p.FinalAcceptedAnnotations, 2, "edited second shape and the drawn one")
	assert.Len(t, p.RemovedAnomalies, 1)
	assert.Len(t, p.FeedbackLogs, 3, "edit, addition and deletion")
}

func TestDemoFollowsMaxImageHeight(t *testing.T) {
	out, err := execute(t, "demo", "--log-level", "error")
	require.NoError(t, err)
	var base export.Payload
	require.NoError(t, json.Unmarshal([]byte(out), &base))

	// a lower cap shrinks the fitted image; gestures land on the same image points
	t.Setenv(config.EnvPrefix+"_ANNOTATOR_MAX_IMAGE_HEIGHT", "300")
	out, err = execute(t, "demo", "--log-level", "error")
	require.NoError(t, err)
	var small export.Payload
	require.NoError(t, json.Unmarshal([]byte(out), &small))

	require.Len(t, small.FinalAcceptedAnnotations, len(base.FinalAcceptedAnnotations))
	for i, ann := range small.FinalAcceptedAnnotations {
		assert.InDeltaSlice(t, base.FinalAcceptedAnnotations[i].Box[:], ann.Box[:], 1e-6)
	}
	assert.Len(t, small.FeedbackLogs, len(base.FeedbackLogs))
}

func TestDemoCSV(t *testing.T) {
	out, err := execute(t, "demo", "--format", "csv", "--log-level", "error")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, strings.Join(export.CSVHeader, ",")))
}

func TestExportFromSQLite(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t,
		"export", "T1", "I1",
		"--store", "sqlite",
		"--db", filepath.Join(dir, "review.db"),
		"--output", dir,
		"--format", "csv",
		"--log-level", "error",
	)
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(dir, "feedback_log_T1_I1.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), export.CSVHeader[0])
}

func TestUnknownStoreIsRejected(t *testing.T) {
	_, err := execute(t, "demo", "--store", "redis")
	require.Error(t, err)
}

func TestDetectNeedsAnImage(t *testing.T) {
	_, err := execute(t, "detect", "--log-level", "error")
	require.Error(t, err)
}
