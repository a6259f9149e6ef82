package core

import (
	"context"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDistanceInMiles(t *testing.T) {
	a := &models.VesselPosition{Latitude: 47, Longitude: -5}
	b := &models.VesselPosition{Latitude: 48, Longitude: -5}

	// One degree of latitude is 60 nautical miles.
	assert.InDelta(t, 60.0, DistanceInMiles(a, b), 0.1)
	assert.Zero(t, DistanceInMiles(a, a))
	assert.Zero(t, DistanceInMiles(a, nil))
}

func opAt(id int64, lat float64) *models.Operation {
	op := testOperation(id, 1, t0.Add(time.Duration(id)*time.Hour))
	op.Positions = []*models.VesselPosition{
		{DateTime: op.StartDateTime, Latitude: lat, Longitude: -5},
		{DateTime: *op.EndDateTime, Latitude: lat, Longitude: -5},
	}
	return op
}

func TestSortByDistance(t *testing.T) {
	opts := testOptions()
	opts.Positions = FixedPosition{Latitude: 47, Longitude: -5}
	s := NewOperationService(newTestStore(t), newFakeDataSource(), opts)
	ops := []*models.Operation{opAt(1, 49), opAt(2, 47.1), opAt(3, 48)}

	sorted := s.sortByDistance(context.Background(), ops, "endPosition", models.SortAsc)
	assert.Equal(t, []int64{2, 3, 1}, ids(sorted))

	sorted = s.sortByDistance(context.Background(), ops, "startPosition", models.SortDesc)
	assert.Equal(t, []int64{1, 3, 2}, ids(sorted))
}

func TestSortByDistance_WithoutPositionKeepsOrder(t *testing.T) {
	s := NewOperationService(newTestStore(t), newFakeDataSource(), testOptions())
	ops := []*models.Operation{opAt(1, 49), opAt(2, 47.1)}

	sorted := s.sortByDistance(context.Background(), ops, "endPosition", models.SortAsc)
	assert.Equal(t, []int64{1, 2}, ids(sorted))
}
