package core

import (
	"context"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putProgram(t *testing.T, pod *testPod, label string, allowParent bool) {
	t.Helper()
	p := &models.Program{Label: label, Properties: map[string]string{}}
	if allowParent {
		p.Properties[models.ProgramPropertyAllowParentOperation] = "true"
	}
	require.NoError(t, pod.pod.PutProgram(context.Background(), p))
}

func sihFilter() *models.OperationFilter {
	return &models.OperationFilter{ProgramLabel: "SIH"}
}

func TestRunImport_CopiesOpenParents(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", true)
	trip := pod.seedTrip(t, "SIH")

	open := testOperation(0, trip.ID, t0)
	done := testOperation(0, trip.ID, t0.Add(3*time.Hour))
	done.QualityFlagID = models.QualityGood
	old := testOperation(0, trip.ID, t0.AddDate(0, 0, -30))
	seeded := pod.seedOperations(t, open, done, old)

	_, ops, _ := newTestServices(t, pod.ds)
	require.NoError(t, ops.RunImport(ctx, sihFilter(), ImportOptions{}))

	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{SortBy: "id"})
	require.NoError(t, err)
	require.Equal(t, []int64{seeded[0].ID}, ids(res.Data))
	imported := res.Data[0]
	assert.Equal(t, "SIH", imported.ProgramLabel)
	require.NotNil(t, imported.VesselID)
	assert.Equal(t, int64(10), *imported.VesselID)
	require.NotNil(t, imported.Trip)
	assert.Equal(t, trip.ID, imported.Trip.ID)

	last, err := ops.LastImportDate("SIH")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0.Add(24*time.Hour)))
}

func TestRunImport_RemovesStaleImports(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", true)
	trip := pod.seedTrip(t, "SIH")
	seeded := pod.seedOperations(t, testOperation(0, trip.ID, t0))

	_, ops, trips := newTestServices(t, pod.ds)
	stale := testOperation(900, trip.ID, t0)
	stale.ProgramLabel = "SIH"
	otherProgram := testOperation(901, 77, t0)
	otherProgram.ProgramLabel = "ADAP"
	_, err := ops.ops.SaveAll([]*models.Operation{stale, otherProgram}, store.SaveAllOptions{})
	require.NoError(t, err)
	local, err := ops.Save(ctx, testOperation(0, localTrip(t, trips).ID, t0), online)
	require.NoError(t, err)

	require.NoError(t, ops.RunImport(ctx, sihFilter(), ImportOptions{}))

	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{SortBy: "id"})
	require.NoError(t, err)
	assert.Equal(t, []int64{local.ID, seeded[0].ID, 901}, ids(res.Data))
}

func TestRunImport_KeepsPendingEdits(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", true)
	trip := pod.seedTrip(t, "SIH")
	seeded := pod.seedOperations(t, testOperation(0, trip.ID, t0))

	_, ops, _ := newTestServices(t, pod.ds)
	edited := seeded[0].Clone()
	edited.Comments = "edited offline"
	_, err := ops.ops.Save(edited)
	require.NoError(t, err)
	require.NoError(t, ops.markPending(edited.ID))

	require.NoError(t, ops.RunImport(ctx, sihFilter(), ImportOptions{}))

	stored, err := ops.ops.Load(edited.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited offline", stored.Comments)
}

func TestRunImport_ProgramWithoutParents(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", false)
	trip := pod.seedTrip(t, "SIH")
	pod.seedOperations(t, testOperation(0, trip.ID, t0))

	_, ops, _ := newTestServices(t, pod.ds)
	p := NewProgression()
	require.NoError(t, ops.RunImport(ctx, sihFilter(), ImportOptions{Progression: p, MaxProgression: 50}))

	assert.Equal(t, 50, p.Value())
	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}

func TestRunImport_Cancelled(t *testing.T) {
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", true)
	_, ops, _ := newTestServices(t, pod.ds)

	p := NewProgression()
	p.Cancel()
	err := ops.RunImport(context.Background(), sihFilter(), ImportOptions{Progression: p})
	assert.ErrorIs(t, err, ErrImportCancelled)
}

func TestRunImport_Preconditions(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())
	ctx := context.Background()

	err := ops.RunImport(ctx, sihFilter(), ImportOptions{Network: models.NetworkOffline})
	assert.ErrorIs(t, err, remote.ErrOffline)

	err = ops.RunImport(ctx, &models.OperationFilter{}, ImportOptions{})
	assert.ErrorIs(t, err, ErrMissingFilter)
}

func TestExecuteImport_ReportsProgress(t *testing.T) {
	pod := newTestPod(t)
	putProgram(t, pod, "SIH", true)
	trip := pod.seedTrip(t, "SIH")
	var seeds []*models.Operation
	for i := range 150 {
		seeds = append(seeds, testOperation(0, trip.ID, t0.Add(time.Duration(i)*time.Minute)))
	}
	pod.seedOperations(t, seeds...)

	_, ops, _ := newTestServices(t, pod.ds)
	progress, errc := ops.ExecuteImport(context.Background(), sihFilter(), ImportOptions{})

	var values []int
	for v := range progress {
		values = append(values, v)
	}
	require.NoError(t, <-errc)

	require.NotEmpty(t, values)
	assert.Equal(t, 100, values[len(values)-1])
	assert.IsIncreasing(t, values)

	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	assert.Equal(t, 150, res.Total)
}

func TestLastImportDate_NeverImported(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())
	last, err := ops.LastImportDate("SIH")
	require.NoError(t, err)
	assert.Nil(t, last)
}
