package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
)

// SaveOptions configures Save.
type SaveOptions struct {
	Network models.NetworkState
	// UpdateLinkedOperation copies the start dates and positions of the
	// saved operation to its child, and links a local parent back to it.
	// Links to a rewritten local id are repaired regardless.
	UpdateLinkedOperation bool
}

// Save saves op and returns it. Operations of local trips are saved in the
// local store. Others are sent to the pod; offline they are stored locally
// under a local id and queued for SynchronizePending.
//
// op is updated in place: ids and update dates assigned by the pod are
// copied onto it and its sub-entities.
//
// A dangling parent or child link is not an error: the link is cleared, the
// quality flag downgraded and the operation saved again.
func (s *OperationService) Save(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrSaveEntities)
	}
	saved, err := s.save(ctx, op, opts)
	switch {
	case errors.Is(err, ErrChildOperationNotFound):
		s.logger.Warn("child operation not found, removing link", "id", op.ID, "child_id", op.ChildOperationID, "error", err)
		op.ChildOperationID = nil
		op.QualityFlagID = models.QualityNotCompleted
		return s.save(withLinkagePass(ctx), op, opts)
	case errors.Is(err, ErrParentOperationNotFound):
		s.logger.Warn("parent operation not found, removing link", "id", op.ID, "parent_id", op.ParentOperationID, "error", err)
		op.ParentOperationID = nil
		op.QualityFlagID = models.QualityMissing
		return s.save(withLinkagePass(ctx), op, opts)
	}
	return saved, err
}

// SaveAll saves ops one after the other, stopping at the first failure.
func (s *OperationService) SaveAll(ctx context.Context, ops []*models.Operation, opts SaveOptions) ([]*models.Operation, error) {
	saved := make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		res, err := s.Save(ctx, op, opts)
		if err != nil {
			return saved, err
		}
		saved = append(saved, res)
	}
	return saved, nil
}

func (s *OperationService) save(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	if models.IsLocalID(op.TripID) {
		return s.saveLocally(ctx, op, opts)
	}
	return s.saveRemotely(ctx, op, opts)
}

// SaveLocally saves an operation of a local trip in the local store, giving
// local ids to it and its new sub-entities.
func (s *OperationService) SaveLocally(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrSaveEntities)
	}
	if !models.IsLocalID(op.TripID) {
		return nil, fmt.Errorf("%w: trip %d: %w", ErrSaveEntities, op.TripID, ErrNotLocal)
	}
	return s.Save(ctx, op, opts)
}

func (s *OperationService) saveLocally(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	unlock := s.lock(op.ID)
	err := s.commitOnLocalTrip(op)
	unlock()
	if err != nil {
		return nil, err
	}
	s.logger.Debug("saved operation locally", "id", op.ID, "trip_id", op.TripID)

	if opts.UpdateLinkedOperation && !inLinkagePass(ctx) {
		if err := s.updateLinkedOperation(ctx, op, opts); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// commitOnLocalTrip writes op to the local store, unless its trip is gone:
// a trip synchronized meanwhile took its operations with it.
func (s *OperationService) commitOnLocalTrip(op *models.Operation) error {
	if _, err := s.trips.Load(op.TripID); err != nil {
		return fmt.Errorf("%w: trip %d: %w", ErrSaveEntities, op.TripID, err)
	}
	return s.commitLocally(op)
}

// commitLocally writes op to the local store.
func (s *OperationService) commitLocally(op *models.Operation) error {
	if err := s.st.FillLocalIDs(op); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveEntities, err)
	}
	if _, err := s.ops.Save(op.Clone()); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveEntities, err)
	}
	return nil
}

func (s *OperationService) saveRemotely(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	oldID := op.ID
	unlock := s.lock(oldID)
	sent := remoteCopy(op)

	var saved *models.Operation
	_, err := s.ds.Mutate(ctx, remote.SaveOperations, remote.SaveOperationsVars{Data: []*models.Operation{sent}}, remote.MutateOptions{
		Network: opts.Network,
		OfflineResponse: func(context.Context) (any, error) {
			if err := s.st.FillLocalIDs(op); err != nil {
				return nil, err
			}
			return map[string]any{"data": []*models.Operation{op.Clone()}}, nil
		},
		Update: func(_ context.Context, data json.RawMessage) error {
			res, err := remote.Decode[[]*models.Operation](data)
			if err != nil {
				return err
			}
			if len(res) == 0 || res[0] == nil {
				return errors.New("empty save result")
			}
			saved = res[0]
			return s.commitSaved(op, oldID, saved, opts.Network)
		},
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrSaveEntities, oldID, err)
	}
	if models.IsLocalID(oldID) && op.ID != oldID {
		if err := s.relinkLocal(map[int64]int64{oldID: op.ID}); err != nil {
			return nil, err
		}
	}

	if !opts.Network.Offline() {
		if sent.ParentOperationID != nil && saved.ParentOperationID == nil {
			return nil, fmt.Errorf("%w: operation %d", ErrParentOperationNotFound, *sent.ParentOperationID)
		}
		if sent.ChildOperationID != nil && saved.ChildOperationID == nil {
			return nil, fmt.Errorf("%w: operation %d", ErrChildOperationNotFound, *sent.ChildOperationID)
		}
	}

	if opts.UpdateLinkedOperation && !inLinkagePass(ctx) {
		if err := s.updateLinkedOperation(ctx, op, opts); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// commitSaved is the local side of a save mutation, run with the pod result
// or, offline, with the operation itself under local ids.
func (s *OperationService) commitSaved(op *models.Operation, oldID int64, saved *models.Operation, network models.NetworkState) error {
	if network.Offline() || models.IsLocalID(saved.ID) {
		if err := s.commitLocally(op); err != nil {
			return err
		}
		if err := s.markPending(op.ID); err != nil {
			return err
		}
		s.logger.Debug("saved operation offline", "id", op.ID, "trip_id", op.TripID)
		return nil
	}

	copyIdentity(op, saved, s.logger)
	if models.IsLocalID(oldID) && saved.UpdateDate != nil {
		if err := s.ops.DeleteMany([]int64{oldID}); err != nil {
			return fmt.Errorf("delete local operation %d: %w", oldID, err)
		}
	}
	if err := s.clearPending(oldID, op.ID); err != nil {
		return err
	}
	if err := s.refreshLocalCopy(op); err != nil {
		return err
	}
	s.logger.Debug("saved operation", "id", op.ID, "local_id", oldID)
	return nil
}

// refreshLocalCopy replaces the imported copy of op, if any, keeping the
// trip context it was imported with.
func (s *OperationService) refreshLocalCopy(op *models.Operation) error {
	existing, err := s.ops.Load(op.ID)
	if err != nil {
		return nil
	}
	c := op.Clone()
	if c.ProgramLabel == "" {
		c.ProgramLabel = existing.ProgramLabel
	}
	if c.VesselID == nil {
		c.VesselID = existing.VesselID
	}
	if c.Trip == nil {
		c.Trip = existing.Trip
	}
	if _, err := s.ops.Save(c); err != nil {
		return fmt.Errorf("refresh operation %d: %w", op.ID, err)
	}
	return nil
}

// lock serializes the writes of one operation. Callers never hold another
// operation lock while taking it, except through lockAll.
func (s *OperationService) lock(id int64) func() {
	if models.IsNewID(id) {
		return func() {}
	}
	return s.st.Lock(models.EntityOperation, id)
}

// lockAll takes the locks of ids in ascending order and releases them in
// reverse.
func (s *OperationService) lockAll(ids []int64) func() {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, s.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// relinkLocal rewrites the parent and child links of local operations from
// the old ids of rewritten to the new ones, each operation under its own lock.
func (s *OperationService) relinkLocal(rewritten map[int64]int64) error {
	if len(rewritten) == 0 {
		return nil
	}
	linksTo := func(id *int64) bool {
		if id == nil {
			return false
		}
		_, ok := rewritten[*id]
		return ok
	}
	res, err := s.ops.LoadAll(store.LoadOptions[*models.Operation]{
		Filter: func(op *models.Operation) bool {
			if _, old := rewritten[op.ID]; old {
				return false
			}
			return linksTo(op.ParentOperationID) || linksTo(op.ChildOperationID)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: load linked operations: %w", ErrSaveEntities, err)
	}
	for _, linked := range res.Data {
		if err := s.relinkOne(linked.ID, rewritten); err != nil {
			return err
		}
	}
	return nil
}

func (s *OperationService) relinkOne(id int64, rewritten map[int64]int64) error {
	unlock := s.lock(id)
	defer unlock()

	op, err := s.ops.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: operation %d: %w", ErrSaveEntities, id, err)
	}
	changed := false
	for _, link := range []**int64{&op.ParentOperationID, &op.ChildOperationID} {
		if *link == nil {
			continue
		}
		if newID, ok := rewritten[**link]; ok {
			*link = models.Int64(newID)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if _, err := s.ops.Save(op); err != nil {
		return fmt.Errorf("%w: operation %d: %w", ErrSaveEntities, id, err)
	}
	s.logger.Debug("relinked operation", "id", id)
	return nil
}

// remoteCopy is op as sent to the pod: local ids are cleared so the pod
// assigns its own, and the local-only trip context is dropped.
func remoteCopy(op *models.Operation) *models.Operation {
	c := op.Clone()
	if models.IsLocalID(c.ID) {
		c.ID = 0
	}
	c.ProgramLabel = ""
	c.VesselID = nil
	c.Trip = nil
	c.RankOrder = 0
	c.ParentOperationID = remoteLink(c.ParentOperationID)
	c.ChildOperationID = remoteLink(c.ChildOperationID)

	for _, p := range c.Positions {
		if p == nil {
			continue
		}
		if models.IsLocalID(p.ID) {
			p.ID = 0
		}
		p.OperationID = remoteLink(p.OperationID)
	}
	for _, m := range c.Measurements {
		if m != nil && models.IsLocalID(m.ID) {
			m.ID = 0
		}
	}
	clearLocalSampleIDs(c.Samples)
	if c.CatchBatch != nil {
		clearLocalBatchIDs([]*models.Batch{c.CatchBatch})
	}
	return c
}

func remoteLink(id *int64) *int64 {
	if id == nil || !models.IsRemoteID(*id) {
		return nil
	}
	return id
}

func clearLocalSampleIDs(samples []*models.Sample) {
	for _, sm := range samples {
		if sm == nil {
			continue
		}
		if models.IsLocalID(sm.ID) {
			sm.ID = 0
		}
		sm.OperationID = remoteLink(sm.OperationID)
		sm.ParentID = remoteLink(sm.ParentID)
		clearLocalSampleIDs(sm.Children)
	}
}

func clearLocalBatchIDs(batches []*models.Batch) {
	for _, b := range batches {
		if b == nil {
			continue
		}
		if models.IsLocalID(b.ID) {
			b.ID = 0
		}
		b.OperationID = remoteLink(b.OperationID)
		b.ParentID = remoteLink(b.ParentID)
		clearLocalBatchIDs(b.Children)
	}
}
