// Package core is the synchronization engine of tripsync: it merges local and
// remote operation lists, commits locally created operations to the pod,
// keeps parent/child links consistent across id rewrites and prefetches
// parent operations for offline use.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
)

// Options configures the services. Every field is optional.
type Options struct {
	Logger *slog.Logger
	// Positions gives the device position used by WatchOptions.SortByDistance.
	Positions   PositionProvider
	Geolocation PositionOptions
	// DeviceID is stamped on trips created locally.
	DeviceID string
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Geolocation.Timeout <= 0 {
		o.Geolocation.Timeout = 10 * time.Second
	}
	if o.Geolocation.MaxAge <= 0 {
		o.Geolocation.MaxAge = 2 * o.Geolocation.Timeout
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// OperationService is the produced API over operations.
type OperationService struct {
	st     *store.Store
	ops    *store.Collection[models.Operation, *models.Operation]
	trips  *store.Collection[models.Trip, *models.Trip]
	ds     remote.DataSource
	logger *slog.Logger

	positions PositionProvider
	geo       PositionOptions
	now       func() time.Time

	pendingMu sync.Mutex
}

// NewOperationService creates the operation service over a local store and
// a remote data source.
func NewOperationService(st *store.Store, ds remote.DataSource, opts Options) *OperationService {
	opts = opts.withDefaults()
	return &OperationService{
		st:        st,
		ops:       store.Operations(st),
		trips:     store.Trips(st),
		ds:        ds,
		logger:    opts.Logger.With("entity", models.EntityOperation),
		positions: opts.Positions,
		geo:       opts.Geolocation,
		now:       opts.Now,
	}
}

// LoadOptions configures Load.
type LoadOptions struct {
	Network     models.NetworkState
	FetchPolicy remote.FetchPolicy
}

// Load returns one operation. Local ids are read from the store; remote ids
// from the pod, or from the imported copy and the query cache when offline.
func (s *OperationService) Load(ctx context.Context, id int64, opts LoadOptions) (*models.Operation, error) {
	if models.IsNewID(id) {
		return nil, fmt.Errorf("%w: missing id", ErrLoadEntity)
	}
	if models.IsLocalID(id) {
		op, err := s.ops.Load(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadEntity, err)
		}
		return op, nil
	}

	policy := opts.FetchPolicy
	if opts.Network.Offline() {
		if op, err := s.ops.Load(id); err == nil {
			return op, nil
		}
		policy = remote.CacheOnly
	}
	op, err := remote.QueryInto[*models.Operation](ctx, s.ds, remote.LoadOperation, remote.IDVars{ID: id}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrLoadEntity, id, err)
	}
	if op == nil {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrLoadEntity, id, store.ErrNotFound)
	}
	return op, nil
}

// loadProgram reads a program from the pod, cache first.
func (s *OperationService) loadProgram(ctx context.Context, label string) (*models.Program, error) {
	p, err := remote.QueryInto[*models.Program](ctx, s.ds, remote.LoadProgram, remote.LabelVars{Label: label}, remote.CacheFirst)
	if err != nil {
		return nil, fmt.Errorf("load program %s: %w", label, err)
	}
	return p, nil
}

// loadRemoteTrip reads a trip from the pod, cache first.
func (s *OperationService) loadRemoteTrip(ctx context.Context, id int64) (*models.Trip, error) {
	t, err := remote.QueryInto[*models.Trip](ctx, s.ds, remote.LoadTrip, remote.IDVars{ID: id}, remote.CacheFirst)
	if err != nil {
		return nil, fmt.Errorf("load trip %d: %w", id, err)
	}
	if t == nil {
		return nil, fmt.Errorf("load trip %d: %w", id, store.ErrNotFound)
	}
	return t, nil
}

// Operations saved offline on a synchronized trip are queued here until
// SynchronizePending sends them.
const pendingKey = "pending." + models.EntityOperation

// PendingIDs returns the ids of the operations waiting to be sent to the pod.
func (s *OperationService) PendingIDs() ([]int64, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.readPending()
}

func (s *OperationService) readPending() ([]int64, error) {
	raw, err := s.st.GetValue(pendingKey)
	if err != nil || raw == "" {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode pending operations: %w", err)
	}
	return ids, nil
}

func (s *OperationService) writePending(ids []int64) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.st.SetValue(pendingKey, string(data))
}

func (s *OperationService) markPending(id int64) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ids, err := s.readPending()
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return s.writePending(append(ids, id))
}

func (s *OperationService) clearPending(remove ...int64) error {
	if len(remove) == 0 {
		return nil
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ids, err := s.readPending()
	if err != nil || len(ids) == 0 {
		return err
	}
	kept := slices.DeleteFunc(ids, func(id int64) bool { return slices.Contains(remove, id) })
	return s.writePending(kept)
}

// SynchronizePending sends the operations saved offline on synchronized
// trips. Operations of local trips are left to TripService.Synchronize.
func (s *OperationService) SynchronizePending(ctx context.Context, network models.NetworkState) (int, error) {
	if network.Offline() {
		return 0, fmt.Errorf("%w: %w", ErrSynchronizeEntity, remote.ErrOffline)
	}
	ids, err := s.PendingIDs()
	if err != nil {
		return 0, err
	}

	var sent int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		op, err := s.ops.Load(id)
		if errors.Is(err, store.ErrNotFound) {
			if err := s.clearPending(id); err != nil {
				return sent, err
			}
			continue
		}
		if err != nil {
			return sent, err
		}
		if models.IsLocalID(op.TripID) {
			if err := s.clearPending(id); err != nil {
				return sent, err
			}
			continue
		}
		if _, err := s.Save(ctx, op, SaveOptions{Network: network, UpdateLinkedOperation: true}); err != nil {
			return sent, fmt.Errorf("%w: operation %d: %w", ErrSynchronizeEntity, id, err)
		}
		if err := s.clearPending(id); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
