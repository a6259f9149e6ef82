package core

import (
	"context"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenChanges_LocalOperationCloses(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())

	ch, err := ops.ListenChanges(context.Background(), -4, time.Second)
	require.NoError(t, err)
	_, open := <-ch
	assert.False(t, open)
}

func TestListenChanges_SubscribeFailure(t *testing.T) {
	_, ops, _ := newTestServices(t, newFakeDataSource())

	_, err := ops.ListenChanges(context.Background(), 42, time.Second)
	assert.ErrorIs(t, err, ErrSubscribeEntity)
}

func TestListenChanges_ReceivesUpdates(t *testing.T) {
	pod := newTestPod(t)
	trip := pod.seedTrip(t, "SIH")
	op := pod.seedOperations(t, testOperation(0, trip.ID, t0))[0]
	_, ops, _ := newTestServices(t, pod.ds)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := ops.ListenChanges(ctx, op.ID, time.Second)
	require.NoError(t, err)

	// Saves until the subscription has polled at least once after one of them.
	done := make(chan struct{})
	defer func() {
		cancel()
		<-done
	}()
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			update, err := pod.pod.GetOperation(context.Background(), op.ID)
			if err != nil {
				return
			}
			update.Comments = "hauled"
			if _, err := pod.pod.SaveOperations(context.Background(), []*models.Operation{update}); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case got, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, op.ID, got.ID)
		assert.Equal(t, "hauled", got.Comments)
	case <-ctx.Done():
		t.Fatal("no update received")
	}
}
