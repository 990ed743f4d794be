package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/thermal-annotator/pkg/types"
)

var ref = types.NewImageRef("T1", "I1")

func TestUnknownImageIsEmpty(t *testing.T) {
	s := New(0)

	set, err := s.FetchAnomalies(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, set.Anomalies)
	assert.Empty(t, set.Logs)
}

func TestUpdateReplacesList(t *testing.T) {
	s := New(0)
	s.Seed(ref, types.AnomalySet{Anomalies: []types.AnomalyRecord{
		{Box: []float64{0.1, 0.1, 0.2, 0.2}, Class: "Unknown"},
		{Box: []float64{0.3, 0.3, 0.4, 0.4}, Class: "Unknown"},
	}})

	ctx := context.Background()
	err := s.UpdateAnomalies(ctx, ref, []types.PersistedAnomaly{
		{Box: types.NewBox(0.5, 0.5, 0.6, 0.6), Class: "Point Overload Faulty", Manual: true, User: "alice"},
	}, nil)
	require.NoError(t, err)

	set, err := s.FetchAnomalies(ctx, ref)
	require.NoError(t, err)
	require.Len(t, set.Anomalies, 1)
	assert.Equal(t, []float64{0.5, 0.5, 0.6, 0.6}, set.Anomalies[0].Box)
	assert.Equal(t, "alice", set.Anomalies[0].User)
	assert.Equal(t, 1, s.Len())
}

func TestLogsKeptWhenNoneSent(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	add := types.NewAdditionLog("T1_I1", types.UserAddition{Box: types.NewBox(0, 0, 0.1, 0.1), Class: "Unknown"})

	require.NoError(t, s.UpdateAnomalies(ctx, ref, nil, []types.FeedbackLog{add}))
	require.NoError(t, s.UpdateAnomalies(ctx, ref, nil, nil))

	logs, err := s.FetchLogs(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestReturnedSetIsACopy(t *testing.T) {
	s := New(0)
	s.Seed(ref, types.AnomalySet{Anomalies: []types.AnomalyRecord{{Class: "Unknown"}}})

	set, err := s.FetchAnomalies(context.Background(), ref)
	require.NoError(t, err)
	set.Anomalies[0].Class = "changed"

	again, err := s.FetchAnomalies(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", again.Anomalies[0].Class)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(0).FetchLogs(ctx, ref)
	assert.ErrorIs(t, err, context.Canceled)
}
