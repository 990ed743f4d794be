package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/thermal-annotator/pkg/reconcile"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

var (
	ref   = types.NewImageRef("T1", "I1")
	alice = types.Actor{UserID: "u-alice", UserName: "alice"}
	fixed = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "annotator.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUnknownImageIsEmpty(t *testing.T) {
	s := openTestStore(t)

	set, err := s.FetchAnomalies(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, set.Anomalies)
	assert.Empty(t, set.Logs)
}

func TestUpdateAnomaliesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	add := types.NewAdditionLog("T1_I1", types.UserAddition{Box: types.NewBox(0.1, 0.1, 0.2, 0.2), Class: "Unknown", AddedBy: "alice"})
	anomalies := []types.PersistedAnomaly{
		{Box: types.NewBox(0.1, 0.1, 0.2, 0.2), Class: "Unknown", Manual: true, User: "alice"},
		{Box: types.NewBox(0.4, 0.4, 0.5, 0.5), Class: "Loose Joint Faulty", Confidence: types.Float64(0.8)},
	}
	require.NoError(t, s.UpdateAnomalies(ctx, ref, anomalies, []types.FeedbackLog{add}))

	set, err := s.FetchAnomalies(ctx, ref)
	require.NoError(t, err)
	require.Len(t, set.Anomalies, 2)
	assert.Equal(t, []float64{0.4, 0.4, 0.5, 0.5}, set.Anomalies[1].Box)
	require.NotNil(t, set.Anomalies[1].Confidence)
	assert.InDelta(t, 0.8, *set.Anomalies[1].Confidence, 1e-12)
	require.Len(t, set.Logs, 1)
	assert.Equal(t, types.LogKindAddition, set.Logs[0].Kind())

	// a later update without logs keeps them
	require.NoError(t, s.UpdateAnomalies(ctx, ref, anomalies[:1], nil))
	logs, err := s.FetchLogs(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	set, err = s.FetchAnomalies(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, set.Anomalies, 1)
}

func TestRecordActionsAppendsOnlyNewEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sh := types.Shape{
		ID: "shape-1", Idx: 1, Kind: types.KindBBox, BBox: types.NewBox(0.1, 0.1, 0.2, 0.2),
		ClassName: "Unknown", Source: types.SourceUser, Provenance: types.ProvenanceManualAdded,
		CreatedBy: "alice", CreatedAt: fixed,
	}
	created := types.AnnotationAction{ID: "a1", ShapeID: sh.ID, ActionType: types.ActionCreated, UserID: "u-alice", Timestamp: fixed, NewState: sh.State()}
	require.NoError(t, s.RecordActions(ctx, ref, sh, []types.AnnotationAction{created}))

	sh.IsDeleted = true
	sh.Provenance = types.ProvenanceDeleted
	deleted := types.AnnotationAction{ID: "a2", ShapeID: sh.ID, ActionType: types.ActionDeleted, UserID: "u-alice", Timestamp: fixed.Add(time.Minute)}
	require.NoError(t, s.RecordActions(ctx, ref, sh, []types.AnnotationAction{created, deleted}))

	history, err := s.History(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ActionCreated, history[0].ActionType)
	assert.Equal(t, types.ActionDeleted, history[1].ActionType)
	require.NotNil(t, history[0].NewState)
	assert.Equal(t, sh.BBox, history[0].NewState.BBox)

	live, err := s.Annotations(ctx, ref, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := s.Annotations(ctx, ref, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ProvenanceDeleted, all[0].AnnotationType)
}

func TestEngineRecordsAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, ref, types.AnomalySet{Anomalies: []types.AnomalyRecord{
		{Box: []float64{0.1, 0.1, 0.2, 0.2}, Class: "Loose Joint Faulty", Confidence: types.Float64(0.9)},
		{Box: []float64{0.3, 0.3, 0.4, 0.4}, Class: "Point Overload Faulty", Confidence: types.Float64(0.7)},
	}}))

	n := 0
	eng := reconcile.NewEngine(s, reconcile.Options{
		Clock: func() time.Time { return fixed },
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
	})
	sess, err := eng.LoadSession(ctx, ref)
	require.NoError(t, err)
	active := sess.Active()
	require.Len(t, active, 2)

	_, err = eng.Edit(ctx, sess, alice, active[0].ID, types.NewBox(0.1, 0.1, 0.3, 0.3), nil)
	require.NoError(t, err)
	_, err = eng.Delete(ctx, sess, alice, active[1].ID)
	require.NoError(t, err)

	set, err := s.FetchAnomalies(ctx, ref)
	require.NoError(t, err)
	require.Len(t, set.Anomalies, 1)
	assert.True(t, *set.Anomalies[0].Manual)
	assert.Len(t, set.Logs, 2, "modified and deleted entries")

	history, err := s.History(ctx, active[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ActionDetected, history[0].ActionType)
	assert.Equal(t, types.ActionEdited, history[1].ActionType)

	all, err := s.Annotations(ctx, ref, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
