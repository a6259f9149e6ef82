package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new bbolt store in a temp directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

func testOperation(id, tripID int64, start time.Time) *models.Operation {
	end := start.Add(2 * time.Hour)
	return &models.Operation{
		ID:            id,
		TripID:        tripID,
		StartDateTime: start,
		EndDateTime:   &end,
	}
}

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

// ==================== Store Tests ====================

func TestStore_GetSetValue(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SetValue("test_key", "test_value"))

	val, err := st.GetValue("test_key")
	require.NoError(t, err)
	assert.Equal(t, "test_value", val)

	val, err = st.GetValue("nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "", val)
}

func TestIDKey_PreservesNumericOrder(t *testing.T) {
	ids := []int64{-1 << 40, -3, -1, 0, 1, 42, 1 << 40}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, string(idKey(ids[i-1])), string(idKey(ids[i])))
		assert.Equal(t, ids[i], keyID(idKey(ids[i])))
	}
}

// ==================== Counter Tests ====================

func TestNextValue_StrictlyDecreasing(t *testing.T) {
	st := newTestStore(t)

	prev := int64(0)
	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		id, err := st.NextValue(models.EntityOperation)
		require.NoError(t, err)
		assert.Less(t, id, prev)
		assert.False(t, seen[id])
		seen[id] = true
		prev = id
	}
	assert.Equal(t, int64(-50), prev)
}

func TestNextValue_PerEntityType(t *testing.T) {
	st := newTestStore(t)

	op, err := st.NextValue(models.EntityOperation)
	require.NoError(t, err)
	pos, err := st.NextValue(models.EntityPosition)
	require.NoError(t, err)

	assert.Equal(t, int64(-1), op)
	assert.Equal(t, int64(-1), pos)
}

func TestNextValue_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	ids, err := st.NextValues(models.EntityOperation, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, -2, -3}, ids)
	require.NoError(t, st.Close())

	st, err = New(dbPath)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Initialize())

	next, err := st.NextValue(models.EntityOperation)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), next)
}

func TestNextValue_Concurrent(t *testing.T) {
	st := newTestStore(t)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id, err := st.NextValue(models.EntityOperation)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[id], "id %d handed out twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 80)
}

// ==================== Collection Tests ====================

func TestCollection_SaveAssignsLocalID(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	saved, err := ops.Save(testOperation(0, -1, t0))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), saved.ID)

	loaded, err := ops.Load(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), loaded.TripID)
	assert.True(t, loaded.StartDateTime.Equal(t0))
}

func TestCollection_SaveWithLocalIDAdvancesCounter(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	_, err := ops.Save(testOperation(-10, -1, t0))
	require.NoError(t, err)

	next, err := st.NextValue(models.EntityOperation)
	require.NoError(t, err)
	assert.Equal(t, int64(-11), next)
}

func TestCollection_LoadNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := Operations(st).Load(-99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_LoadAllSortFilterPage(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	for i := 0; i < 5; i++ {
		_, err := ops.Save(testOperation(int64(-(i + 1)), -1, t0.Add(time.Duration(4-i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := ops.Save(testOperation(-20, -2, t0))
	require.NoError(t, err)

	tripFilter := (&models.OperationFilter{TripID: models.Int64(-1)}).Predicate()
	res, err := ops.LoadAll(LoadOptions[*models.Operation]{
		Offset:        1,
		Size:          2,
		SortBy:        "startDateTime",
		SortDirection: models.SortAsc,
		Filter:        tripFilter,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Data, 2)
	assert.Equal(t, int64(-4), res.Data[0].ID)
	assert.Equal(t, int64(-3), res.Data[1].ID)

	res, err = ops.LoadAll(LoadOptions[*models.Operation]{SortBy: "startDateTime", SortDirection: models.SortDesc, Filter: tripFilter})
	require.NoError(t, err)
	require.Len(t, res.Data, 5)
	assert.Equal(t, int64(-1), res.Data[0].ID)
}

func TestCollection_SaveAllReset(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	_, err := ops.SaveAll([]*models.Operation{testOperation(-1, -1, t0), testOperation(-2, -1, t0)}, SaveAllOptions{})
	require.NoError(t, err)

	_, err = ops.SaveAll([]*models.Operation{testOperation(7, 3, t0)}, SaveAllOptions{Reset: true})
	require.NoError(t, err)

	res, err := ops.LoadAll(LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, int64(7), res.Data[0].ID)
}

func TestCollection_DeleteManyAndTrash(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	_, err := ops.SaveAll([]*models.Operation{
		testOperation(-1, -1, t0),
		testOperation(-2, -1, t0),
		testOperation(-3, -1, t0),
	}, SaveAllOptions{})
	require.NoError(t, err)

	require.NoError(t, ops.DeleteMany([]int64{-1, -404}))
	require.NoError(t, ops.MoveManyToTrash([]int64{-2}))

	res, err := ops.LoadAll(LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, int64(-3), res.Data[0].ID)

	trash, err := ops.LoadAllTrash(LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	require.Len(t, trash.Data, 1)
	assert.Equal(t, int64(-2), trash.Data[0].ID)
	assert.NotNil(t, trash.Data[0].UpdateDate)
}

func TestCollection_WatchAll(t *testing.T) {
	st := newTestStore(t)
	ops := Operations(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := ops.WatchAll(ctx, LoadOptions[*models.Operation]{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, 0, first.Total)

	_, err = ops.Save(testOperation(-1, -1, t0))
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.Equal(t, 1, res.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("no emission after save")
	}

	cancel()
	for range ch {
	}
}

func TestStore_LockSerializesSameKey(t *testing.T) {
	st := newTestStore(t)

	unlock := st.Lock(models.EntityOperation, -1)
	acquired := make(chan struct{})
	go func() {
		u := st.Lock(models.EntityOperation, -1)
		close(acquired)
		u()
	}()

	// Another key is independent.
	st.Lock(models.EntityOperation, -2)()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
}

// ==================== Local ids ====================

func TestFillLocalIDs(t *testing.T) {
	st := newTestStore(t)

	op := testOperation(0, -1, t0)
	op.Positions = []*models.VesselPosition{{DateTime: t0}, {DateTime: *op.EndDateTime}}
	op.Measurements = []*models.Measurement{{PmfmID: 1}}
	op.Samples = []*models.Sample{{RankOrder: 1, Children: []*models.Sample{{RankOrder: 1}}}}
	op.CatchBatch = &models.Batch{Label: "CATCH_BATCH", Children: []*models.Batch{{Label: "SORTING", RankOrder: 1}}}

	require.NoError(t, st.FillLocalIDs(op))

	assert.Equal(t, int64(-1), op.ID)
	assert.Equal(t, int64(-1), op.Positions[0].ID)
	assert.Equal(t, int64(-2), op.Positions[1].ID)
	assert.Equal(t, int64(-1), *op.Positions[0].OperationID)
	assert.Equal(t, int64(-1), op.Measurements[0].ID)
	assert.Equal(t, int64(-1), op.Samples[0].ID)
	assert.Equal(t, int64(-2), op.Samples[0].Children[0].ID)
	assert.Equal(t, int64(-1), *op.Samples[0].Children[0].ParentID)
	assert.Equal(t, int64(-1), op.CatchBatch.ID)
	assert.Equal(t, int64(-1), *op.CatchBatch.Children[0].ParentID)
}

// ==================== Legacy import ====================

func TestImportLegacy(t *testing.T) {
	st := newTestStore(t)

	legacyPath := filepath.Join(t.TempDir(), "legacy.sqlite")
	db, err := sql.Open("sqlite", legacyPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE entities (entity_name TEXT NOT NULL, id INTEGER NOT NULL, data TEXT NOT NULL, PRIMARY KEY (entity_name, id))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO entities VALUES
		('OperationVO', -7, '{"id":-7,"tripId":-1,"startDateTime":"2026-03-01T06:00:00Z"}'),
		('OperationVO', 12, '{"id":12,"tripId":3,"startDateTime":"2026-03-01T06:00:00Z"}'),
		('OperationVO', -8, '{"id":-9}'),
		('TripVO', -1, '{"id":-1,"programLabel":"SUMARiS","departureDateTime":"2026-03-01T00:00:00Z"}')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	res, err := ImportLegacy(context.Background(), st, legacyPath)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entities[models.EntityOperation])
	assert.Equal(t, 1, res.Entities[models.EntityTrip])
	assert.Equal(t, 1, res.Skipped)

	op, err := Operations(st).Load(-7)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), op.TripID)

	next, err := st.NextValue(models.EntityOperation)
	require.NoError(t, err)
	assert.Equal(t, int64(-8), next)
}
