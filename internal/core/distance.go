package core

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
)

// PositionOptions bounds a position read: how long to wait for a fix and how
// old a cached fix may be.
type PositionOptions struct {
	Timeout time.Duration
	MaxAge  time.Duration
}

// PositionProvider gives the current position of the device.
type PositionProvider interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (*models.VesselPosition, error)
}

// FixedPosition is a PositionProvider that always answers the same point.
type FixedPosition struct {
	Latitude  float64
	Longitude float64
}

func (f FixedPosition) CurrentPosition(context.Context, PositionOptions) (*models.VesselPosition, error) {
	return &models.VesselPosition{Latitude: f.Latitude, Longitude: f.Longitude}, nil
}

const earthRadiusMiles = 3440.065 // nautical

// DistanceInMiles is the great-circle distance between two points, in
// nautical miles. A missing point gives 0.
func DistanceInMiles(a, b *models.VesselPosition) float64 {
	if a == nil || b == nil {
		return 0
	}
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// anchorPosition is the position an operation is located by: its start when
// sorting by startPosition, its end otherwise.
func anchorPosition(op *models.Operation, start bool) *models.VesselPosition {
	if start {
		if p := op.StartPosition(); p != nil {
			return p
		}
		if p := op.FishingStartPosition(); p != nil {
			return p
		}
		if len(op.Positions) == 2 {
			return op.Positions[0]
		}
		return nil
	}
	if p := op.EndPosition(); p != nil {
		return p
	}
	if p := op.FishingEndPosition(); p != nil {
		return p
	}
	if len(op.Positions) == 2 {
		return op.Positions[1]
	}
	return nil
}

// sortByDistance orders ops by distance to the device. Without a position
// the input order is kept.
func (s *OperationService) sortByDistance(ctx context.Context, ops []*models.Operation, sortBy string, dir models.SortDirection) []*models.Operation {
	if s.positions == nil {
		s.logger.Warn("cannot sort by distance: no position provider")
		return ops
	}
	ctx, cancel := context.WithTimeout(ctx, s.geo.Timeout)
	defer cancel()
	here, err := s.positions.CurrentPosition(ctx, s.geo)
	if err != nil || here == nil {
		s.logger.Warn("cannot sort by distance: no current position", "error", err)
		return ops
	}

	start := sortBy == "startPosition"
	dist := make(map[*models.Operation]float64, len(ops))
	for _, op := range ops {
		dist[op] = DistanceInMiles(here, anchorPosition(op, start))
	}
	sorted := slices.Clone(ops)
	slices.SortStableFunc(sorted, func(a, b *models.Operation) int {
		if dir.Desc() {
			return cmp.Compare(dist[b], dist[a])
		}
		return cmp.Compare(dist[a], dist[b])
	})
	return sorted
}
