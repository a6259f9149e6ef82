package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
)

// DeleteOptions configures the delete operations.
type DeleteOptions struct {
	Network models.NetworkState
	// Purge removes local operations for good instead of moving them to
	// the trash.
	Purge bool
}

// Delete deletes one operation.
func (s *OperationService) Delete(ctx context.Context, op *models.Operation, opts DeleteOptions) error {
	if op == nil {
		return nil
	}
	return s.DeleteAll(ctx, []*models.Operation{op}, opts)
}

// DeleteAll deletes operations. Local operations are moved to the trash;
// synchronized ones are deleted on the pod, along with their local copies.
// Links held by the remaining local operations are cleared either way.
func (s *OperationService) DeleteAll(ctx context.Context, ops []*models.Operation, opts DeleteOptions) error {
	var localOps []*models.Operation
	var remoteIDs []int64
	for _, op := range ops {
		switch {
		case op == nil || models.IsNewID(op.ID):
		case models.IsLocalID(op.ID):
			localOps = append(localOps, op)
		default:
			remoteIDs = append(remoteIDs, op.ID)
		}
	}

	if err := s.DeleteAllLocally(ctx, localOps, opts); err != nil {
		return err
	}
	if len(remoteIDs) == 0 {
		return nil
	}

	_, err := s.ds.Mutate(ctx, remote.DeleteOperations, remote.IDsVars{IDs: remoteIDs}, remote.MutateOptions{
		Network: opts.Network,
		Update: func(context.Context, json.RawMessage) error {
			return s.removeLocally(remoteIDs, true)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteEntities, err)
	}
	s.logger.Debug("deleted operations", "ids", remoteIDs)
	return nil
}

// DeleteAllLocally removes local operations from the store.
func (s *OperationService) DeleteAllLocally(_ context.Context, ops []*models.Operation, opts DeleteOptions) error {
	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		if op != nil && models.IsLocalID(op.ID) {
			ids = append(ids, op.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.removeLocally(ids, opts.Purge); err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteEntities, err)
	}
	s.logger.Debug("deleted local operations", "ids", ids, "purge", opts.Purge)
	return nil
}

// DeleteAllLocallyByFilter removes the local operations matching filter,
// which must target a trip or local ids only.
func (s *OperationService) DeleteAllLocallyByFilter(ctx context.Context, filter *models.OperationFilter, opts DeleteOptions) error {
	localIDs := filter != nil && len(filter.IncludedIDs) > 0 && !slices.ContainsFunc(filter.IncludedIDs, models.IsRemoteID)
	if filter == nil || (filter.TripID == nil && !localIDs) {
		return fmt.Errorf("%w: %w: tripId or local includedIds required", ErrDeleteEntities, ErrMissingFilter)
	}
	res, err := s.ops.LoadAll(store.LoadOptions[*models.Operation]{Filter: filter.Predicate()})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteEntities, err)
	}
	return s.DeleteAllLocally(ctx, res.Data, opts)
}

func (s *OperationService) removeLocally(ids []int64, purge bool) error {
	if err := s.removeLinksLocally(ids); err != nil {
		return err
	}
	var err error
	if purge {
		err = s.ops.DeleteMany(ids)
	} else {
		err = s.ops.MoveManyToTrash(ids)
	}
	if err != nil {
		return err
	}
	return s.clearPending(ids...)
}

// removeLinksLocally clears the links other local operations hold to the
// deleted ids. A child that lost its parent is flagged MISSING.
func (s *OperationService) removeLinksLocally(deleted []int64) error {
	res, err := s.ops.LoadAll(store.LoadOptions[*models.Operation]{
		Filter: func(op *models.Operation) bool {
			if slices.Contains(deleted, op.ID) {
				return false
			}
			return (op.ChildOperationID != nil && slices.Contains(deleted, *op.ChildOperationID)) ||
				(op.ParentOperationID != nil && slices.Contains(deleted, *op.ParentOperationID))
		},
	})
	if err != nil || len(res.Data) == 0 {
		return err
	}
	for _, op := range res.Data {
		if op.ChildOperationID != nil && slices.Contains(deleted, *op.ChildOperationID) {
			op.ChildOperationID = nil
		}
		if op.ParentOperationID != nil && slices.Contains(deleted, *op.ParentOperationID) {
			op.ParentOperationID = nil
			op.QualityFlagID = models.QualityMissing
		}
		s.logger.Debug("removed link to deleted operation", "id", op.ID)
	}
	_, err = s.ops.SaveAll(res.Data, store.SaveAllOptions{})
	return err
}
