package core

import (
	"log/slog"
	"slices"

	"github.com/kilupskalvis/tripsync/internal/models"
)

// matchStrategy tells reconcileTree how to pair the nodes of one entity type
// held locally with the nodes returned by the pod.
type matchStrategy[T comparable] struct {
	name string
	// prepare fixes the target before matching, given its already
	// reconciled parent (zero for roots).
	prepare      func(target, parent T)
	equal        func(target, source T) bool
	copyIdentity func(target, source T)
	children     func(T) []T
}

// reconcileTree copies server identities onto targets, walking the target
// tree depth first. Each source node is used at most once. Unmatched targets
// keep their local id and are logged; the unmatched sources are returned.
func reconcileTree[T comparable](logger *slog.Logger, s matchStrategy[T], targets, sources []T) []T {
	pool := flatten(sources, s.children)
	reconcileNodes(logger, s, targets, &pool, zeroOf[T]())
	return pool
}

func reconcileNodes[T comparable](logger *slog.Logger, s matchStrategy[T], targets []T, pool *[]T, parent T) {
	var zero T
	for _, target := range targets {
		if target == zero {
			continue
		}
		if s.prepare != nil {
			s.prepare(target, parent)
		}
		i := slices.IndexFunc(*pool, func(source T) bool { return s.equal(target, source) })
		if i >= 0 {
			s.copyIdentity(target, (*pool)[i])
			*pool = slices.Delete(*pool, i, i+1)
		} else {
			logger.Error("no server node matches local node, keeping local id", "node", s.name)
		}
		if s.children != nil {
			reconcileNodes(logger, s, s.children(target), pool, target)
		}
	}
}

func flatten[T comparable](nodes []T, children func(T) []T) []T {
	var zero T
	var out []T
	for _, n := range nodes {
		if n == zero {
			continue
		}
		out = append(out, n)
		if children != nil {
			out = append(out, flatten(children(n), children)...)
		}
	}
	return out
}

func zeroOf[T any]() T {
	var zero T
	return zero
}

func positionStrategy(opID int64) matchStrategy[*models.VesselPosition] {
	return matchStrategy[*models.VesselPosition]{
		name: models.EntityPosition,
		prepare: func(target, _ *models.VesselPosition) {
			target.OperationID = models.Int64(opID)
		},
		equal: func(target, source *models.VesselPosition) bool {
			return target.DateTime.Equal(source.DateTime)
		},
		copyIdentity: func(target, source *models.VesselPosition) {
			target.ID = source.ID
			target.UpdateDate = source.UpdateDate
		},
	}
}

func measurementStrategy() matchStrategy[*models.Measurement] {
	return matchStrategy[*models.Measurement]{
		name:  models.EntityMeasurement,
		equal: func(target, source *models.Measurement) bool { return target.Equals(source) },
		copyIdentity: func(target, source *models.Measurement) {
			target.ID = source.ID
			target.UpdateDate = source.UpdateDate
		},
	}
}

func sampleStrategy(opID int64) matchStrategy[*models.Sample] {
	return matchStrategy[*models.Sample]{
		name: models.EntitySample,
		prepare: func(target, parent *models.Sample) {
			target.OperationID = models.Int64(opID)
			if parent != nil {
				target.ParentID = models.Int64(parent.ID)
			}
		},
		equal: func(target, source *models.Sample) bool { return target.Equals(source) },
		copyIdentity: func(target, source *models.Sample) {
			target.ID = source.ID
			target.UpdateDate = source.UpdateDate
			target.ParentID = source.ParentID
		},
		children: func(s *models.Sample) []*models.Sample { return s.Children },
	}
}

func batchStrategy(opID int64) matchStrategy[*models.Batch] {
	return matchStrategy[*models.Batch]{
		name: models.EntityBatch,
		prepare: func(target, _ *models.Batch) {
			target.OperationID = models.Int64(opID)
		},
		equal: func(target, source *models.Batch) bool { return target.Equals(source) },
		copyIdentity: func(target, source *models.Batch) {
			target.ID = source.ID
			target.UpdateDate = source.UpdateDate
			target.ParentID = source.ParentID
		},
		children: func(b *models.Batch) []*models.Batch { return b.Children },
	}
}

// copyIdentity copies what the pod assigned when saving source onto target:
// ids and update dates of the operation and of every sub-entity, control
// date and quality. Other fields of target are left as the caller set them.
func copyIdentity(target, source *models.Operation, logger *slog.Logger) {
	if source == nil {
		return
	}
	logger = logger.With("id", source.ID, "local_id", target.ID)

	target.ID = source.ID
	target.UpdateDate = source.UpdateDate
	target.ControlDate = source.ControlDate
	target.QualityFlagID = source.QualityFlagID
	target.QualificationComments = source.QualificationComments

	positions := slices.Clone(source.Positions)
	slices.SortStableFunc(positions, func(a, b *models.VesselPosition) int { return a.DateTime.Compare(b.DateTime) })
	if left := reconcileTree(logger, positionStrategy(source.ID), target.Positions, positions); len(left) > 0 {
		logger.Warn("pod returned positions with an unknown date", "count", len(left))
	}

	reconcileTree(logger, measurementStrategy(), target.Measurements, source.Measurements)
	reconcileTree(logger, sampleStrategy(source.ID), target.Samples, source.Samples)
	if target.CatchBatch != nil && source.CatchBatch != nil {
		reconcileTree(logger, batchStrategy(source.ID), []*models.Batch{target.CatchBatch}, []*models.Batch{source.CatchBatch})
	}
}
