package thermalannotator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/menta2k/thermal-annotator/internal/errors"
	"github.com/menta2k/thermal-annotator/pkg/annotator"
	"github.com/menta2k/thermal-annotator/pkg/store/memstore"
	"github.com/menta2k/thermal-annotator/pkg/types"
	"github.com/menta2k/thermal-annotator/pkg/viewport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	ref   = types.NewImageRef("T1", "I1")
	alice = types.Actor{UserID: "u-alice", UserName: "alice"}
	fixed = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
)

// failingStore wraps a memory store and fails every update while fail is set
type failingStore struct {
	*memstore.Store
	fail bool
}

func (f *failingStore) UpdateAnomalies(ctx context.Context, r types.ImageRef, anomalies []types.PersistedAnomaly, logs []types.FeedbackLog) error {
	if f.fail {
		return types.ErrStoreUnavailable
	}
	return f.Store.UpdateAnomalies(ctx, r, anomalies, logs)
}

func px(x, y float64) types.Point {
	return types.Point{X: x * 1000, Y: y * 1000}
}

func newTestWorkspace(t *testing.T) (*Workspace, *failingStore) {
	t.Helper()
	store := &failingStore{Store: memstore.New(0)}
	store.Seed(ref, types.AnomalySet{Anomalies: []types.AnomalyRecord{
		{Box: []float64{0.2, 0.2, 0.4, 0.4}, Class: "Loose Joint Faulty", Confidence: types.Float64(0.91)},
		{Box: []float64{0.6, 0.6, 0.8, 0.8}, Class: "Point Overload Faulty", Confidence: types.Float64(0.77)},
	}})

	n := 0
	ws := New(store, viewport.StaticViewport{Width: 1000, Height: 1000}, Options{
		Actor: alice,
		Clock: func() time.Time { return fixed },
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
	})
	t.Cleanup(ws.Close)

	require.NoError(t, ws.Open(context.Background(), ref))
	ws.SetEditMode(true)
	return ws, store
}

func TestOpenShowsStoredAnomalies(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	shapes := ws.Shapes()
	require.Len(t, shapes, 2)
	assert.Equal(t, 1, shapes[0].Idx)
	assert.True(t, shapes[0].AIDetected)
	assert.Empty(t, ws.Logs())
}

func TestOperationsNeedAnOpenImage(t *testing.T) {
	ws := New(memstore.New(0), viewport.StaticViewport{Width: 100, Height: 100}, Options{})
	defer ws.Close()

	assert.ErrorIs(t, ws.Accept("x"), ErrNoSession)
	assert.ErrorIs(t, ws.Reject("x"), ErrNoSession)
	_, err := ws.Export("")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDragIsPersistedOnRelease(t *testing.T) {
	ctx := context.Background()
	ws, store := newTestWorkspace(t)

	require.NoError(t, ws.Click(ctx, px(0.3, 0.3)))
	state, selected := ws.State()
	assert.Equal(t, annotator.StateSelected, state)
	assert.Equal(t, "id-1", selected)

	require.NoError(t, ws.PointerDown(ctx, px(0.3, 0.3)))
	require.NoError(t, ws.PointerMove(ctx, px(0.32, 0.32)))

	logs, err := store.FetchLogs(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, logs, "moves are not persisted")

	require.NoError(t, ws.PointerUp(ctx, px(0.35, 0.35)))

	logs, err = store.FetchLogs(ctx, ref)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].UserModification)
	assert.Equal(t, "alice", logs[0].UserModification.ModifiedBy)

	shapes := ws.Shapes()
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.45, 0.45}, shapes[0].BBox[:], 1e-9)
	assert.False(t, shapes[0].AIDetected)
}

func TestDragReleasedInPlaceIsNotAnEdit(t *testing.T) {
	ctx := context.Background()
	ws, store := newTestWorkspace(t)

	require.NoError(t, ws.Click(ctx, px(0.3, 0.3)))
	require.NoError(t, ws.PointerDown(ctx, px(0.3, 0.3)))
	require.NoError(t, ws.PointerUp(ctx, px(0.3, 0.3)))

	assert.Empty(t, ws.Logs())
	shapes := ws.Shapes()
	assert.True(t, shapes[0].AIDetected)
	assert.Equal(t, types.ProvenanceAIDetected, shapes[0].Provenance)

	logs, err := store.FetchLogs(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, logs)

	p, err := ws.Export("")
	require.NoError(t, err)
	assert.Empty(t, p.FeedbackLogs)
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.4, 0.4}, p.FinalAcceptedAnnotations[0].Box[:], 1e-12)
}

func TestExportDuringDragShowsMovedBox(t *testing.T) {
	ctx := context.Background()
	ws, store := newTestWorkspace(t)

	require.NoError(t, ws.Click(ctx, px(0.3, 0.3)))
	require.NoError(t, ws.PointerDown(ctx, px(0.3, 0.3)))
	require.NoError(t, ws.PointerMove(ctx, px(0.35, 0.3)))

	p, err := ws.Export("")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.2, 0.45, 0.4}, p.FinalAcceptedAnnotations[0].Box[:], 1e-9)
	assert.Empty(t, p.FeedbackLogs)

	logs, err := store.FetchLogs(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, logs, "moves are not persisted")

	// turning edit mode off drops the drag
	ws.SetEditMode(false)
	p, err = ws.Export("")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.4, 0.4}, p.FinalAcceptedAnnotations[0].Box[:], 1e-12)
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.4, 0.4}, ws.Shapes()[0].BBox[:], 1e-12)
}

func TestDrawnBoxIsAdded(t *testing.T) {
	ctx := context.Background()
	ws, store := newTestWorkspace(t)
	ws.SetNewShapeClass("Full Wire Overload")

	require.NoError(t, ws.SetDrawMode(true, types.KindBBox))
	require.NoError(t, ws.PointerDown(ctx, px(0.05, 0.6)))
	require.NoError(t, ws.PointerMove(ctx, px(0.10, 0.65)))
	preview, ok := ws.Preview()
	require.True(t, ok)
	assert.InDelta(t, 0.65, preview[3], 1e-9)
	require.NoError(t, ws.PointerUp(ctx, px(0.15, 0.7)))

	shapes := ws.Shapes()
	require.Len(t, shapes, 3)
	added := shapes[2]
	assert.Equal(t, 3, added.Idx)
	assert.Equal(t, "Full Wire Overload", added.ClassName)
	assert.True(t, added.UserAdded)

	set, err := store.FetchAnomalies(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, set.Anomalies, 3)
	require.Len(t, set.Logs, 1)
	assert.NotNil(t, set.Logs[0].UserAddition)
}

func TestFailedDeleteRestoresShape(t *testing.T) {
	ctx := context.Background()
	ws, store := newTestWorkspace(t)

	require.NoError(t, ws.Click(ctx, px(0.7, 0.7)))
	store.fail = true

	err := ws.DeleteSelected(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.Len(t, ws.Shapes(), 2)
	assert.Empty(t, ws.Logs())

	store.fail = false
	require.NoError(t, ws.Click(ctx, px(0.7, 0.7)))
	require.NoError(t, ws.DeleteSelected(ctx))
	assert.Len(t, ws.Shapes(), 1)
	assert.Len(t, ws.Logs(), 1)
}

func TestDeleteWithoutSelection(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	assert.ErrorIs(t, ws.DeleteSelected(context.Background()), types.ErrShapeNotFound)
}

func TestRejectAndExport(t *testing.T) {
	ctx := context.Background()
	ws, _ := newTestWorkspace(t)

	require.NoError(t, ws.Accept("id-1"))
	require.NoError(t, ws.Reject("id-2"))
	assert.Len(t, ws.Shapes(), 1)
	require.Len(t, ws.Removed(), 1)

	require.NoError(t, ws.EditClass(ctx, "id-1", "Point Overload Faulty"))

	p, err := ws.Export("")
	require.NoError(t, err)
	assert.Equal(t, "T1_I1", p.ImageID)
	assert.Equal(t, "alice", p.ExportedBy)
	assert.Len(t, p.FinalAcceptedAnnotations, 1)
	assert.Len(t, p.RemovedAnomalies, 1)
	assert.Len(t, p.FeedbackLogs, 1)
	assert.Len(t, p.ModelPredictedAnomalies, 1, "the rejected detection has no log")
}
