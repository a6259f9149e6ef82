package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
)

// TripService manages trips and sends local trips to the pod with their
// operations.
type TripService struct {
	st       *store.Store
	trips    *store.Collection[models.Trip, *models.Trip]
	ops      *OperationService
	ds       remote.DataSource
	logger   *slog.Logger
	deviceID string
	now      func() time.Time
}

// NewTripService creates the trip service. ops saves the operations of the
// trips.
func NewTripService(st *store.Store, ds remote.DataSource, ops *OperationService, opts Options) *TripService {
	opts = opts.withDefaults()
	return &TripService{
		st:       st,
		trips:    store.Trips(st),
		ops:      ops,
		ds:       ds,
		logger:   opts.Logger.With("entity", models.EntityTrip),
		deviceID: opts.DeviceID,
		now:      opts.Now,
	}
}

// Load returns a local trip from the store or a synchronized one from the pod.
func (t *TripService) Load(ctx context.Context, id int64, opts LoadOptions) (*models.Trip, error) {
	if models.IsNewID(id) {
		return nil, fmt.Errorf("%w: missing id", ErrLoadEntity)
	}
	if models.IsLocalID(id) {
		trip, err := t.trips.Load(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadEntity, err)
		}
		return trip, nil
	}
	policy := opts.FetchPolicy
	if opts.Network.Offline() {
		policy = remote.CacheOnly
	}
	trip, err := remote.QueryInto[*models.Trip](ctx, t.ds, remote.LoadTrip, remote.IDVars{ID: id}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: trip %d: %w", ErrLoadEntity, id, err)
	}
	if trip == nil {
		return nil, fmt.Errorf("%w: trip %d: %w", ErrLoadEntity, id, store.ErrNotFound)
	}
	return trip, nil
}

// LoadAllLocally returns the local trips, latest departure first.
func (t *TripService) LoadAllLocally(_ context.Context) ([]*models.Trip, error) {
	res, err := t.trips.LoadAll(store.LoadOptions[*models.Trip]{SortBy: "departureDateTime", SortDirection: models.SortDesc})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadEntities, err)
	}
	return res.Data, nil
}

// SaveLocally saves a trip that only exists on the device. New trips get a
// local id and the device id.
func (t *TripService) SaveLocally(_ context.Context, trip *models.Trip) (*models.Trip, error) {
	if trip == nil {
		return nil, fmt.Errorf("%w: nil trip", ErrSaveEntities)
	}
	if models.IsRemoteID(trip.ID) {
		return nil, fmt.Errorf("%w: trip %d: %w", ErrSaveEntities, trip.ID, ErrNotLocal)
	}
	if trip.DeviceID == "" {
		trip.DeviceID = t.deviceID
	}
	c := *trip
	c.Operations = nil
	saved, err := t.trips.Save(&c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSaveEntities, err)
	}
	trip.ID = saved.ID
	return trip, nil
}

// SynchronizeByID synchronizes the local trip with the given id.
func (t *TripService) SynchronizeByID(ctx context.Context, id int64, network models.NetworkState) (*models.Trip, error) {
	trip, err := t.Load(ctx, id, LoadOptions{Network: network})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, err)
	}
	return t.Synchronize(ctx, trip, network)
}

// Synchronize sends a local trip and its operations to the pod, then
// replaces the local records by the synchronized ones.
//
// Operations are sent in three passes: the trip with the operations that
// have no local sibling, then the parents of local children, then those
// children with their parent id rewritten. The operations of the trip stay
// locked until their local records are replaced. Local operations on other
// trips linked to them are then pointed at the pod ids. A child whose local
// parent is on another trip cannot be sent before that trip.
func (t *TripService) Synchronize(ctx context.Context, trip *models.Trip, network models.NetworkState) (*models.Trip, error) {
	if trip == nil || !models.IsLocalID(trip.ID) {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, ErrNotLocal)
	}
	if network.Offline() {
		return nil, fmt.Errorf("%w: trip %d: %w", ErrSynchronizeEntity, trip.ID, remote.ErrOffline)
	}
	localID := trip.ID
	logger := t.logger.With("local_id", localID)

	unlock, err := t.lockOperations(localID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, err)
	}
	saved, ops, newIDs, err := t.send(ctx, trip, logger)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, err)
	}
	logger = logger.With("id", saved.ID)

	if err := t.ops.relinkLocal(newIDs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, err)
	}
	if err := t.saveChildrenOnOtherTrips(ctx, ops, network, logger); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynchronizeEntity, err)
	}

	saved.Operations = ops
	logger.Info("synchronized trip", "operations", len(ops))
	return saved, nil
}

// lockOperations locks every operation of the local trip.
func (t *TripService) lockOperations(tripID int64) (func(), error) {
	res, err := t.ops.ops.LoadAll(store.LoadOptions[*models.Operation]{
		Filter: func(op *models.Operation) bool { return op.TripID == tripID },
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(res.Data))
	for _, op := range res.Data {
		ids = append(ids, op.ID)
	}
	return t.ops.lockAll(ids), nil
}

// send saves the trip and its operations on the pod and removes their local
// records. It returns the pod ids of the operations by local id.
func (t *TripService) send(ctx context.Context, trip *models.Trip, logger *slog.Logger) (*models.Trip, []*models.Operation, map[int64]int64, error) {
	localID := trip.ID
	res, err := t.ops.ops.LoadAll(store.LoadOptions[*models.Operation]{
		SortBy: "startDateTime",
		Filter: func(op *models.Operation) bool { return op.TripID == localID },
	})
	if err != nil {
		return nil, nil, nil, err
	}
	firstPass, parents, children := splitForSync(res.Data)
	for _, child := range children {
		if _, ok := parents[*child.ParentOperationID]; !ok {
			return nil, nil, nil, fmt.Errorf("%w: operation %d, parent %d", ErrSynchronizeChildBeforeParent, child.ID, *child.ParentOperationID)
		}
	}

	saved, err := t.saveTrip(ctx, trip, firstPass)
	if err != nil {
		return nil, nil, nil, err
	}
	logger = logger.With("id", saved.ID)

	newIDs := make(map[int64]int64, len(res.Data))
	for i, op := range firstPass {
		old := op.ID
		op.TripID = saved.ID
		copyIdentity(op, saved.Operations[i], logger)
		newIDs[old] = op.ID
	}

	parentList := make([]*models.Operation, 0, len(parents))
	for _, op := range res.Data {
		if _, ok := parents[op.ID]; ok {
			parentList = append(parentList, op)
		}
	}
	if err := t.sendOperations(ctx, saved.ID, parentList, newIDs, logger); err != nil {
		return nil, nil, nil, err
	}

	for _, child := range children {
		child.ParentOperationID = models.Int64(newIDs[*child.ParentOperationID])
	}
	if err := t.sendOperations(ctx, saved.ID, children, newIDs, logger); err != nil {
		return nil, nil, nil, err
	}
	for _, parent := range parentList {
		if newID, ok := newIDs[*parent.ChildOperationID]; ok {
			parent.ChildOperationID = models.Int64(newID)
		}
	}

	oldIDs := make([]int64, 0, len(newIDs))
	for old := range newIDs {
		oldIDs = append(oldIDs, old)
	}
	if err := t.ops.ops.DeleteMany(oldIDs); err != nil {
		return nil, nil, nil, err
	}
	if err := t.ops.clearPending(oldIDs...); err != nil {
		return nil, nil, nil, err
	}
	if err := t.trips.DeleteMany([]int64{localID}); err != nil {
		return nil, nil, nil, err
	}
	return saved, res.Data, newIDs, nil
}

// saveChildrenOnOtherTrips saves the children, left on other trips, of the
// synchronized parents so they follow their parent's pod id.
func (t *TripService) saveChildrenOnOtherTrips(ctx context.Context, ops []*models.Operation, network models.NetworkState, logger *slog.Logger) error {
	for _, parent := range ops {
		if parent.ChildOperationID == nil || !models.IsLocalID(*parent.ChildOperationID) {
			continue
		}
		childID := *parent.ChildOperationID
		child, err := t.ops.ops.Load(childID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("child operation not found", "parent_id", parent.ID, "child_id", childID)
			parent.ChildOperationID = nil
			continue
		}
		if err != nil {
			return err
		}
		child.ParentOperationID = models.Int64(parent.ID)
		saved, err := t.ops.Save(withLinkagePass(ctx), child, SaveOptions{Network: network})
		if err != nil {
			return err
		}
		parent.ChildOperationID = models.Int64(saved.ID)
	}
	return nil
}

// splitForSync sorts the operations of a trip into the first pass, the
// parents of local children (by id) and the children of local parents.
func splitForSync(ops []*models.Operation) (firstPass []*models.Operation, parents map[int64]*models.Operation, children []*models.Operation) {
	parents = make(map[int64]*models.Operation)
	for _, op := range ops {
		switch {
		case op.ParentOperationID != nil && models.IsLocalID(*op.ParentOperationID):
			children = append(children, op)
		case op.ChildOperationID != nil && models.IsLocalID(*op.ChildOperationID):
			parents[op.ID] = op
		default:
			firstPass = append(firstPass, op)
		}
	}
	return firstPass, parents, children
}

// saveTrip sends the trip with ops. The pod returns the operations in the
// order they were sent.
func (t *TripService) saveTrip(ctx context.Context, trip *models.Trip, ops []*models.Operation) (*models.Trip, error) {
	c := *trip
	c.ID = 0
	c.Operations = make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		c.Operations = append(c.Operations, remoteCopy(op))
	}

	var saved *models.Trip
	_, err := t.ds.Mutate(ctx, remote.SaveTrip, remote.SaveTripVars{Trip: &c, WithOperations: true}, remote.MutateOptions{
		Network: models.NetworkOnline,
		Update: func(_ context.Context, data json.RawMessage) error {
			var err error
			saved, err = remote.Decode[*models.Trip](data)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if saved == nil || !models.IsRemoteID(saved.ID) {
		return nil, fmt.Errorf("trip %d: pod returned no id", trip.ID)
	}
	if len(saved.Operations) != len(ops) {
		return nil, fmt.Errorf("trip %d: sent %d operations, pod returned %d", trip.ID, len(ops), len(saved.Operations))
	}
	return saved, nil
}

// sendOperations saves ops on the synchronized trip and records their new ids.
func (t *TripService) sendOperations(ctx context.Context, tripID int64, ops []*models.Operation, newIDs map[int64]int64, logger *slog.Logger) error {
	if len(ops) == 0 {
		return nil
	}
	sent := make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		op.TripID = tripID
		sent = append(sent, remoteCopy(op))
	}
	raw, err := t.ds.Mutate(ctx, remote.SaveOperations, remote.SaveOperationsVars{Data: sent}, remote.MutateOptions{Network: models.NetworkOnline})
	if err != nil {
		return err
	}
	saved, err := remote.Decode[[]*models.Operation](raw)
	if err != nil {
		return err
	}
	if len(saved) != len(ops) {
		return fmt.Errorf("sent %d operations, pod returned %d", len(ops), len(saved))
	}
	for i, op := range ops {
		old := op.ID
		copyIdentity(op, saved[i], logger)
		newIDs[old] = op.ID
	}
	return nil
}

// Delete deletes a trip and its operations. Local trips are removed from the
// store; synchronized ones from the pod, along with local copies of their
// operations.
func (t *TripService) Delete(ctx context.Context, trip *models.Trip, opts DeleteOptions) error {
	if trip == nil || models.IsNewID(trip.ID) {
		return nil
	}
	tripID := trip.ID
	byTrip := &models.OperationFilter{TripID: models.Int64(tripID)}

	if models.IsLocalID(tripID) {
		if err := t.ops.DeleteAllLocallyByFilter(ctx, byTrip, opts); err != nil {
			return err
		}
		if err := t.trips.DeleteMany([]int64{tripID}); err != nil {
			return fmt.Errorf("%w: %w", ErrDeleteEntities, err)
		}
		return nil
	}

	_, err := t.ds.Mutate(ctx, remote.DeleteTrips, remote.IDsVars{IDs: []int64{tripID}}, remote.MutateOptions{
		Network: opts.Network,
		Update: func(context.Context, json.RawMessage) error {
			res, err := t.ops.ops.LoadAll(store.LoadOptions[*models.Operation]{Filter: byTrip.Predicate()})
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(res.Data))
			for _, op := range res.Data {
				ids = append(ids, op.ID)
			}
			return t.ops.removeLocally(ids, true)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: trip %d: %w", ErrDeleteEntities, tripID, err)
	}
	return nil
}
