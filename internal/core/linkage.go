package core

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/models"
)

type linkagePassKey struct{}

// withLinkagePass marks ctx as belonging to a save issued by the linkage
// maintainer. Such saves never follow links themselves.
func withLinkagePass(ctx context.Context) context.Context {
	return context.WithValue(ctx, linkagePassKey{}, linkagePass(ctx)+1)
}

// linkagePass is the nesting depth of linkage saves, 0 for a caller's save.
func linkagePass(ctx context.Context) int {
	depth, _ := ctx.Value(linkagePassKey{}).(int)
	return depth
}

func inLinkagePass(ctx context.Context) bool {
	return linkagePass(ctx) > 0
}

// updateLinkedOperation makes the sibling of op point back at it.
//
// A child follows its parent: it gets the parent's id, start dates and
// start positions, and is saved only when one of them changed. A local
// parent gets the child's id. A synchronized parent is left to the pod.
// When the sibling save sends a pending sibling, the stored op is relinked
// to its pod id by that save.
func (s *OperationService) updateLinkedOperation(ctx context.Context, op *models.Operation, opts SaveOptions) error {
	nested := withLinkagePass(ctx)
	nestedOpts := SaveOptions{Network: opts.Network}

	if op.ChildOperationID != nil {
		childID := *op.ChildOperationID
		child, err := s.loadLinked(ctx, childID, opts.Network)
		if err != nil {
			return fmt.Errorf("%w: operation %d: %w", ErrChildOperationNotFound, childID, err)
		}
		if needUpdateChild(op, child) {
			s.logger.Debug("updating child operation", "id", op.ID, "child_id", childID)
			copyParentAnchor(child, op)
			saved, err := s.Save(nested, child, nestedOpts)
			if err != nil {
				return err
			}
			op.ChildOperationID = models.Int64(saved.ID)
		}
	}

	if op.ParentOperationID != nil {
		parentID := *op.ParentOperationID
		if !models.IsLocalID(parentID) {
			return nil
		}
		parent, err := s.ops.Load(parentID)
		if err != nil {
			return fmt.Errorf("%w: operation %d: %w", ErrParentOperationNotFound, parentID, err)
		}
		if !models.SameInt64(parent.ChildOperationID, &op.ID) {
			s.logger.Debug("updating parent operation", "id", op.ID, "parent_id", parentID)
			parent.ChildOperationID = models.Int64(op.ID)
			saved, err := s.Save(nested, parent, nestedOpts)
			if err != nil {
				return err
			}
			op.ParentOperationID = models.Int64(saved.ID)
		}
	}
	return nil
}

// loadLinked loads a sibling: local ids from the store, remote ids from the
// pod, or from the imported copy when offline.
func (s *OperationService) loadLinked(ctx context.Context, id int64, network models.NetworkState) (*models.Operation, error) {
	if models.IsLocalID(id) {
		return s.ops.Load(id)
	}
	if op, err := s.ops.Load(id); err == nil && network.Offline() {
		return op, nil
	}
	return s.Load(ctx, id, LoadOptions{Network: network})
}

// needUpdateChild reports whether child differs from what parent holds: the
// link itself, the start dates or the start positions.
func needUpdateChild(parent, child *models.Operation) bool {
	return !models.SameInt64(child.ParentOperationID, &parent.ID) ||
		!child.StartDateTime.Equal(parent.StartDateTime) ||
		!models.SameTime(child.FishingStartDateTime, parent.FishingStartDateTime) ||
		!samePoint(child.StartPosition(), parent.StartPosition()) ||
		!samePoint(child.FishingStartPosition(), parent.FishingStartPosition())
}

// samePoint compares positions. A parent position without identity is never
// copied, so it cannot make the child differ.
func samePoint(child, parent *models.VesselPosition) bool {
	if parent == nil || models.IsNewID(parent.ID) {
		return true
	}
	return child.IsSamePoint(parent)
}

// copyParentAnchor points child at parent and copies the start dates and
// positions.
func copyParentAnchor(child, parent *models.Operation) {
	start := child.StartPosition()
	fishingStart := child.FishingStartPosition()

	child.ParentOperationID = models.Int64(parent.ID)
	child.StartDateTime = parent.StartDateTime
	child.FishingStartDateTime = parent.FishingStartDateTime

	start = copyPosition(child, start, parent.StartPosition())
	if fishingStart == nil && child.FishingStartDateTime != nil && child.FishingStartDateTime.Equal(child.StartDateTime) {
		fishingStart = start
	}
	copyPosition(child, fishingStart, parent.FishingStartPosition())
}

func copyPosition(child *models.Operation, target, source *models.VesselPosition) *models.VesselPosition {
	if source == nil || models.IsNewID(source.ID) {
		return target
	}
	if target == nil {
		target = &models.VesselPosition{}
		child.Positions = append(child.Positions, target)
	}
	target.CopyPoint(source)
	return target
}
