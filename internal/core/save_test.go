package core

import (
	"context"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	online  = SaveOptions{Network: models.NetworkOnline, UpdateLinkedOperation: true}
	offline = SaveOptions{Network: models.NetworkOffline, UpdateLinkedOperation: true}
)

func TestSave_LocalTripGetsLocalIDs(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	op, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), online)
	require.NoError(t, err)

	assert.Less(t, op.ID, int64(0))
	for _, p := range op.Positions {
		assert.Less(t, p.ID, int64(0))
		assert.Equal(t, op.ID, *p.OperationID)
	}
	stored, err := ops.Load(ctx, op.ID, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, op.ID, stored.ID)
}

func TestSave_LocalIDsStrictlyDecrease(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	var last int64
	for i := range 5 {
		op, err := ops.Save(ctx, testOperation(0, trip.ID, t0.Add(time.Duration(i)*time.Hour)), online)
		require.NoError(t, err)
		if i > 0 {
			assert.Less(t, op.ID, last)
		}
		last = op.ID
	}
}

func TestSaveLocally_RejectsRemoteTrip(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())
	_, err := ops.SaveLocally(context.Background(), testOperation(0, 12, t0), online)
	assert.ErrorIs(t, err, ErrNotLocal)
}

func TestSave_RemoteTripOnline(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, _ := newTestServices(t, pod.ds)

	op, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), online)
	require.NoError(t, err)

	assert.Greater(t, op.ID, int64(0))
	assert.NotNil(t, op.UpdateDate)
	for _, p := range op.Positions {
		assert.Greater(t, p.ID, int64(0))
	}
	remoteOp := pod.get(t, op.ID)
	assert.Equal(t, trip.ID, remoteOp.TripID)
	assert.Len(t, remoteOp.Positions, 2)
}

func TestSave_OnlineSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, _ := newTestServices(t, pod.ds)

	op, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), online)
	require.NoError(t, err)
	id := op.ID
	positionIDs := []int64{op.Positions[0].ID, op.Positions[1].ID}

	op, err = ops.Save(ctx, op, online)
	require.NoError(t, err)

	assert.Equal(t, id, op.ID)
	assert.Equal(t, positionIDs, []int64{op.Positions[0].ID, op.Positions[1].ID})
	assert.Len(t, pod.get(t, id).Positions, 2)
}

func TestSave_OfflineThenSynchronizePending(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, _ := newTestServices(t, pod.ds)

	op, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), offline)
	require.NoError(t, err)
	localID := op.ID
	require.Less(t, localID, int64(0))

	pending, err := ops.PendingIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{localID}, pending)

	sent, err := ops.SynchronizePending(ctx, models.NetworkOnline)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	pending, err = ops.PendingIDs()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = ops.ops.Load(localID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err := pod.pod.ListOperations(ctx, podListByTrip(trip.ID))
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Len(t, page.Data[0].Positions, 2)
}

func TestSynchronizePending_RequiresNetwork(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())
	_, err := ops.SynchronizePending(context.Background(), models.NetworkOffline)
	assert.ErrorIs(t, err, ErrSynchronizeEntity)
}

// A parent saved offline on a synchronized trip, its child on a local trip:
// sending the parent rewrites the child's link to the pod id.
func TestSave_ParentSentRewritesLocalChildLink(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	remoteTrip := pod.seedTrip(t, "SIH")
	_, ops, trips := newTestServices(t, pod.ds)
	trip := localTrip(t, trips)

	parent, err := ops.Save(ctx, testOperation(0, remoteTrip.ID, t0), offline)
	require.NoError(t, err)
	parentLocalID := parent.ID

	child := testOperation(0, trip.ID, t0.Add(24*time.Hour))
	child.ParentOperationID = models.Int64(parentLocalID)
	child, err = ops.Save(ctx, child, offline)
	require.NoError(t, err)

	stored, err := ops.ops.Load(parentLocalID)
	require.NoError(t, err)
	require.Equal(t, child.ID, *stored.ChildOperationID)

	parent, err = ops.Save(ctx, stored, online)
	require.NoError(t, err)
	assert.Greater(t, parent.ID, int64(0))

	storedChild, err := ops.ops.Load(child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, *storedChild.ParentOperationID)
	assert.True(t, storedChild.StartDateTime.Equal(t0))

	_, err = ops.ops.Load(parentLocalID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSave_SentParentRelinksChildWithoutLinkageOption(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	remoteTrip := pod.seedTrip(t, "SIH")
	_, ops, trips := newTestServices(t, pod.ds)
	trip := localTrip(t, trips)

	parent, err := ops.Save(ctx, testOperation(0, remoteTrip.ID, t0), offline)
	require.NoError(t, err)
	parentLocalID := parent.ID

	childStart := t0.Add(24 * time.Hour)
	child := testOperation(0, trip.ID, childStart)
	child.ParentOperationID = models.Int64(parentLocalID)
	child, err = ops.Save(ctx, child, offline)
	require.NoError(t, err)

	stored, err := ops.ops.Load(parentLocalID)
	require.NoError(t, err)
	parent, err = ops.Save(ctx, stored, SaveOptions{Network: models.NetworkOnline})
	require.NoError(t, err)
	require.Greater(t, parent.ID, int64(0))

	storedChild, err := ops.ops.Load(child.ID)
	require.NoError(t, err)
	require.NotNil(t, storedChild.ParentOperationID)
	assert.Equal(t, parent.ID, *storedChild.ParentOperationID)
	assert.True(t, storedChild.StartDateTime.Equal(childStart), "dates are only copied with UpdateLinkedOperation")

	pending, err := ops.PendingIDs()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// A local parent whose child is pending on a synchronized trip: the child is
// sent by the parent's linkage pass and the stored parent follows its pod id.
func TestSave_SentChildRelinksStoredParent(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	remoteTrip := pod.seedTrip(t, "SIH")
	_, ops, trips := newTestServices(t, pod.ds)
	trip := localTrip(t, trips)

	parent, err := ops.Save(ctx, testOperation(0, trip.ID, t0), online)
	require.NoError(t, err)
	child := testOperation(0, remoteTrip.ID, t0.Add(24*time.Hour))
	child.ParentOperationID = models.Int64(parent.ID)
	child, err = ops.Save(ctx, child, offline)
	require.NoError(t, err)
	childLocalID := child.ID
	require.Less(t, childLocalID, int64(0))

	stored, err := ops.ops.Load(parent.ID)
	require.NoError(t, err)
	require.Equal(t, childLocalID, *stored.ChildOperationID)

	moved := t0.Add(30 * time.Minute)
	stored.StartDateTime = moved
	parent, err = ops.Save(ctx, stored, online)
	require.NoError(t, err)
	require.NotNil(t, parent.ChildOperationID)
	childRemoteID := *parent.ChildOperationID
	require.Greater(t, childRemoteID, int64(0))

	stored, err = ops.ops.Load(parent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ChildOperationID)
	assert.Equal(t, childRemoteID, *stored.ChildOperationID)

	_, err = ops.ops.Load(childLocalID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, pod.get(t, childRemoteID).StartDateTime.Equal(moved))
}

func TestSave_LinkageIsSymmetric(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	parent, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), online)
	require.NoError(t, err)

	child := testOperation(0, trip.ID, t0.Add(3*time.Hour))
	child.ParentOperationID = models.Int64(parent.ID)
	child, err = ops.Save(ctx, child, online)
	require.NoError(t, err)

	storedParent, err := ops.ops.Load(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, *storedParent.ChildOperationID)
	assert.Equal(t, parent.ID, *child.ParentOperationID)
}

func TestSave_ParentChangeIsCopiedToChild(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	parent, err := ops.Save(ctx, withPositions(testOperation(0, trip.ID, t0)), online)
	require.NoError(t, err)
	child := testOperation(0, trip.ID, t0.Add(3*time.Hour))
	child.ParentOperationID = models.Int64(parent.ID)
	child, err = ops.Save(ctx, child, online)
	require.NoError(t, err)

	parent, err = ops.ops.Load(parent.ID)
	require.NoError(t, err)
	moved := t0.Add(30 * time.Minute)
	parent.StartDateTime = moved
	parent.Positions[0].DateTime = moved
	parent.Positions[0].Latitude = 48
	_, err = ops.Save(ctx, parent, online)
	require.NoError(t, err)

	storedChild, err := ops.ops.Load(child.ID)
	require.NoError(t, err)
	assert.True(t, storedChild.StartDateTime.Equal(moved))
	start := storedChild.StartPosition()
	require.NotNil(t, start)
	assert.Equal(t, 48.0, start.Latitude)
	assert.Less(t, start.ID, int64(0))
}

func TestSave_MissingLocalParentIsUnlinked(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	op := testOperation(0, trip.ID, t0)
	op.ParentOperationID = models.Int64(-500)
	op, err := ops.Save(ctx, op, online)
	require.NoError(t, err)

	assert.Nil(t, op.ParentOperationID)
	assert.Equal(t, models.QualityMissing, op.QualityFlagID)
	stored, err := ops.ops.Load(op.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ParentOperationID)
	assert.Equal(t, models.QualityMissing, stored.QualityFlagID)
}

func TestSave_MissingLocalChildIsUnlinked(t *testing.T) {
	ctx := context.Background()
	_, ops, trips := newTestServices(t, newFakeDataSource())
	trip := localTrip(t, trips)

	op := testOperation(0, trip.ID, t0)
	op.QualityFlagID = models.QualityGood
	op.ChildOperationID = models.Int64(-500)
	op, err := ops.Save(ctx, op, online)
	require.NoError(t, err)

	assert.Nil(t, op.ChildOperationID)
	assert.Equal(t, models.QualityNotCompleted, op.QualityFlagID)
}

func TestSave_UnknownRemoteLinksAreDropped(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, _ := newTestServices(t, pod.ds)

	op := testOperation(0, trip.ID, t0)
	op.ParentOperationID = models.Int64(9999)
	op, err := ops.Save(ctx, op, online)
	require.NoError(t, err)

	assert.Greater(t, op.ID, int64(0))
	assert.Nil(t, op.ParentOperationID)
	assert.Equal(t, models.QualityMissing, op.QualityFlagID)
	remoteOp := pod.get(t, op.ID)
	assert.Nil(t, remoteOp.ParentOperationID)
	assert.Equal(t, models.QualityMissing, remoteOp.QualityFlagID)
}

func TestSave_RemoteParentAndChild(t *testing.T) {
	ctx := context.Background()
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	_, ops, _ := newTestServices(t, pod.ds)

	parent, err := ops.Save(ctx, testOperation(0, trip.ID, t0), online)
	require.NoError(t, err)

	child := testOperation(0, trip.ID, t0.Add(5*time.Hour))
	child.ParentOperationID = models.Int64(parent.ID)
	child, err = ops.Save(ctx, child, online)
	require.NoError(t, err)

	assert.Equal(t, parent.ID, *child.ParentOperationID)
	assert.Equal(t, child.ID, *pod.get(t, parent.ID).ChildOperationID)
}

func TestRemoteCopy_ClearsLocalIdentity(t *testing.T) {
	op := withPositions(testOperation(-3, 12, t0))
	op.Positions[0].ID = -1
	op.Positions[0].OperationID = models.Int64(-3)
	op.Positions[1].ID = 55
	op.ParentOperationID = models.Int64(-9)
	op.ChildOperationID = models.Int64(77)
	op.ProgramLabel = "SIH"
	op.VesselID = models.Int64(10)
	op.Samples = []*models.Sample{{ID: -4, OperationID: models.Int64(-3), Children: []*models.Sample{{ID: -5, ParentID: models.Int64(-4)}}}}

	c := remoteCopy(op)

	assert.Zero(t, c.ID)
	assert.Zero(t, c.Positions[0].ID)
	assert.Nil(t, c.Positions[0].OperationID)
	assert.Equal(t, int64(55), c.Positions[1].ID)
	assert.Nil(t, c.ParentOperationID)
	assert.Equal(t, int64(77), *c.ChildOperationID)
	assert.Empty(t, c.ProgramLabel)
	assert.Nil(t, c.VesselID)
	assert.Zero(t, c.Samples[0].ID)
	assert.Nil(t, c.Samples[0].Children[0].ParentID)

	assert.Equal(t, int64(-3), op.ID, "original is untouched")
}
