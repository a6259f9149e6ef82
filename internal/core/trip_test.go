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

func TestTripSaveLocally(t *testing.T) {
	_, _, trips := newTestServices(t, newFakeDataSource())

	trip := localTrip(t, trips)
	assert.Equal(t, "01JTESTDEVICE0000000000000", trip.DeviceID)

	_, err := trips.SaveLocally(context.Background(), &models.Trip{ID: 12})
	assert.ErrorIs(t, err, ErrNotLocal)

	all, err := trips.LoadAllLocally(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSynchronize_TripWithParentAndChild(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	st, ops, trips := newTestServices(t, pod.ds)
	trip := localTrip(t, trips)

	plain, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0.Add(10*time.Hour))), online)
	require.NoError(t, err)
	saveLinkedPair(t, ops, trip.ID)

	saved, err := trips.Synchronize(ctx, trip, models.NetworkOnline)
	require.NoError(t, err)
	require.Greater(t, saved.ID, int64(0))

	page, err := pod.pod.ListOperations(ctx, podListByTrip(saved.ID))
	require.NoError(t, err)
	require.Len(t, page.Data, 3)

	byStart := make(map[time.Time]*models.Operation)
	for _, op := range page.Data {
		byStart[op.StartDateTime.UTC()] = op
	}
	remotePlain := byStart[plain.StartDateTime.UTC()]
	require.NotNil(t, remotePlain)
	assert.Len(t, remotePlain.Positions, 2)

	remoteParent := byStart[t0]
	require.NotNil(t, remoteParent)
	remoteChild := byStart[t0.Add(3*time.Hour)]
	require.NotNil(t, remoteChild)
	require.NotNil(t, remoteParent.ChildOperationID)
	assert.Equal(t, remoteChild.ID, *remoteParent.ChildOperationID)
	assert.Equal(t, remoteParent.ID, *remoteChild.ParentOperationID)

	for _, op := range saved.Operations {
		assert.Greater(t, op.ID, int64(0))
		assert.Equal(t, saved.ID, op.TripID)
	}

	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	_, err = store.Trips(st).Load(trip.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSynchronize_ChildBeforeParent(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	_, ops, trips := newTestServices(t, pod.ds)
	first := localTrip(t, trips)
	second := localTrip(t, trips)

	parent, err := ops.Save(ctx, testOperation(0, first.ID, t0), online)
	require.NoError(t, err)
	child := testOperation(0, second.ID, t0.Add(24*time.Hour))
	child.ParentOperationID = models.Int64(parent.ID)
	child, err = ops.Save(ctx, child, online)
	require.NoError(t, err)

	_, err = trips.Synchronize(ctx, second, models.NetworkOnline)
	assert.ErrorIs(t, err, ErrSynchronizeChildBeforeParent)

	saved, err := trips.Synchronize(ctx, first, models.NetworkOnline)
	require.NoError(t, err)
	remoteParentID := saved.Operations[0].ID
	require.Greater(t, remoteParentID, int64(0))

	stored, err := ops.ops.Load(child.ID)
	require.NoError(t, err)
	assert.Equal(t, remoteParentID, *stored.ParentOperationID)

	// The second trip can now be sent: its child points at a pod id.
	saved, err = trips.Synchronize(ctx, second, models.NetworkOnline)
	require.NoError(t, err)
	remoteChild := saved.Operations[0]
	assert.Equal(t, remoteParentID, *pod.get(t, remoteChild.ID).ParentOperationID)
	assert.Equal(t, remoteChild.ID, *pod.get(t, remoteParentID).ChildOperationID)
}

func TestSynchronize_SaveWaitsForTripToBeSent(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDataSource()
	_, ops, trips := newTestServices(t, ds)
	trip := localTrip(t, trips)
	op, err := ops.Save(ctx, testOperation(0, trip.ID, t0), online)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	ds.mutate = func(doc remote.Document, vars any) (any, error) {
		if doc.Name != remote.SaveTrip.Name {
			return map[string]any{"data": nil}, nil
		}
		close(entered)
		<-release
		sent := vars.(remote.SaveTripVars).Trip
		saved := *sent
		saved.ID = 100
		saved.Operations = nil
		for i, o := range sent.Operations {
			c := o.Clone()
			c.ID = int64(200 + i)
			c.TripID = saved.ID
			saved.Operations = append(saved.Operations, c)
		}
		return map[string]any{"data": &saved}, nil
	}

	synced := make(chan error, 1)
	go func() {
		_, err := trips.Synchronize(ctx, trip, models.NetworkOnline)
		synced <- err
	}()
	<-entered

	edited := op.Clone()
	edited.Comments = "edited while sending"
	saveDone := make(chan error, 1)
	go func() {
		_, err := ops.Save(ctx, edited, SaveOptions{Network: models.NetworkOnline})
		saveDone <- err
	}()

	select {
	case err := <-saveDone:
		t.Fatalf("save returned while the trip was being sent: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-synced)
	err = <-saveDone
	assert.ErrorIs(t, err, ErrSaveEntities)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ops.ops.Load(op.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSynchronize_Preconditions(t *testing.T) {
	ctx := context.Background()
	_, _, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	_, err := trips.Synchronize(ctx, trip, models.NetworkOffline)
	assert.ErrorIs(t, err, remote.ErrOffline)

	_, err = trips.Synchronize(ctx, &models.Trip{ID: 3}, models.NetworkOnline)
	assert.ErrorIs(t, err, ErrNotLocal)
}

func TestTripDelete_Local(t *testing.T) {
	ctx := context.Background()
	st, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)
	saveLinkedPair(t, ops, trip.ID)

	require.NoError(t, trips.Delete(ctx, trip, DeleteOptions{Purge: true}))

	res, err := ops.ops.LoadAll(store.LoadOptions[*models.Operation]{})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	_, err = store.Trips(st).Load(trip.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTripDelete_Remote(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, trips := newTestServices(t, pod.ds)

	op, err := ops.Save(ctx, testOperation(0, trip.ID, t0), online)
	require.NoError(t, err)
	_, err = ops.ops.Save(op.Clone())
	require.NoError(t, err)

	require.NoError(t, trips.Delete(ctx, trip, DeleteOptions{Network: models.NetworkOnline}))

	_, err = pod.pod.GetTrip(ctx, trip.ID)
	assert.Error(t, err)
	_, err = ops.ops.Load(op.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
