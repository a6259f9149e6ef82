package podstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTrips      = []byte("trips")
	bucketOperations = []byte("operations")
	bucketPrograms   = []byte("programs")
	bucketSequences  = []byte("sequences")
)

// BboltStore implements PodStore using bbolt.
type BboltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create pod directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pod database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrips, bucketOperations, bucketPrograms, bucketSequences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// nextID hands out the next server id of an entity type.
func nextID(tx *bolt.Tx, entityName string) (int64, error) {
	b, err := tx.Bucket(bucketSequences).CreateBucketIfNotExists([]byte(entityName))
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", entityName, err)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", entityName, err)
	}
	return int64(seq), nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Put(key, data)
}

func getOperation(tx *bolt.Tx, id int64) (*models.Operation, error) {
	var op models.Operation
	if err := getJSON(tx.Bucket(bucketOperations), itob(id), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func putOperation(tx *bolt.Tx, op *models.Operation) error {
	return putJSON(tx.Bucket(bucketOperations), itob(op.ID), op)
}

func getTrip(tx *bolt.Tx, id int64) (*models.Trip, error) {
	var t models.Trip
	if err := getJSON(tx.Bucket(bucketTrips), itob(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ==================== Operations ====================

// GetOperation retrieves an operation by id. Returns ErrNotFound if missing.
func (s *BboltStore) GetOperation(_ context.Context, id int64) (*models.Operation, error) {
	var op *models.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		op, err = getOperation(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("operation %d: %w", id, err)
	}
	return op, nil
}

// ListOperations returns the page of operations matching the filter. The
// program label and vessel of each operation come from its trip.
func (s *BboltStore) ListOperations(_ context.Context, opts ListOptions) (*models.LoadResult[*models.Operation], error) {
	match := opts.Filter.Predicate()
	var all []*models.Operation

	err := s.db.View(func(tx *bolt.Tx) error {
		trips := make(map[int64]*models.Trip)
		return tx.Bucket(bucketOperations).ForEach(func(_, v []byte) error {
			var op models.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("unmarshal operation: %w", err)
			}
			trip, ok := trips[op.TripID]
			if !ok {
				trip, _ = getTrip(tx, op.TripID)
				trips[op.TripID] = trip
			}
			if trip != nil {
				op.ProgramLabel = trip.ProgramLabel
				op.VesselID = models.Int64(trip.VesselID)
			}
			if !match(&op) {
				return nil
			}
			if opts.WithTrip {
				if trip != nil {
					op.Trip = trip.Summary()
				}
			} else {
				op.ProgramLabel = ""
				op.VesselID = nil
			}
			all = append(all, &op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	models.SortEntities(all, opts.Page.SortBy, opts.Page.SortDirection)
	return &models.LoadResult[*models.Operation]{
		Data:  models.Window(all, opts.Page.Offset, opts.Page.Size),
		Total: len(all),
	}, nil
}

// SaveOperations creates or updates operations in one transaction and
// returns them as stored. New operations and sub-entities get server ids,
// every saved operation gets a fresh update date and the parent/child link
// is mirrored on the sibling.
func (s *BboltStore) SaveOperations(_ context.Context, ops []*models.Operation) ([]*models.Operation, error) {
	saved := make([]*models.Operation, 0, len(ops))
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		ids := make([]int64, 0, len(ops))
		for _, op := range ops {
			if err := s.saveOperation(tx, op, now); err != nil {
				return err
			}
			ids = append(ids, op.ID)
		}
		// Later saves of the batch may have touched earlier links.
		for _, id := range ids {
			op, err := getOperation(tx, id)
			if err != nil {
				return err
			}
			saved = append(saved, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *BboltStore) saveOperation(tx *bolt.Tx, op *models.Operation, now time.Time) error {
	if op == nil {
		return fmt.Errorf("nil operation: %w", ErrInvalid)
	}
	if op.TripID <= 0 {
		return fmt.Errorf("operation %d: trip id %d: %w", op.ID, op.TripID, ErrInvalid)
	}
	if _, err := getTrip(tx, op.TripID); err != nil {
		return fmt.Errorf("operation %d: trip %d: %w", op.ID, op.TripID, err)
	}

	var previous *models.Operation
	if op.ID > 0 {
		prev, err := getOperation(tx, op.ID)
		if err != nil {
			return fmt.Errorf("operation %d: %w", op.ID, err)
		}
		previous = prev
	} else {
		id, err := nextID(tx, models.EntityOperation)
		if err != nil {
			return err
		}
		op.ID = id
	}

	op.ProgramLabel = ""
	op.VesselID = nil
	op.Trip = nil
	op.ParentOperationID = serverLink(op.ParentOperationID, op.ID)
	op.ChildOperationID = serverLink(op.ChildOperationID, op.ID)
	if err := assignSubEntityIDs(tx, op, now); err != nil {
		return err
	}
	op.UpdateDate = &now

	if previous != nil {
		if previous.ParentOperationID != nil && !models.SameInt64(previous.ParentOperationID, op.ParentOperationID) {
			if err := unlinkChild(tx, *previous.ParentOperationID, op.ID, now); err != nil {
				return err
			}
		}
		if previous.ChildOperationID != nil && !models.SameInt64(previous.ChildOperationID, op.ChildOperationID) {
			if err := unlinkParent(tx, *previous.ChildOperationID, op.ID, now); err != nil {
				return err
			}
		}
	}

	if op.ParentOperationID != nil {
		parent, err := getOperation(tx, *op.ParentOperationID)
		switch {
		case errors.Is(err, ErrNotFound):
			op.ParentOperationID = nil
		case err != nil:
			return err
		case !models.SameInt64(parent.ChildOperationID, &op.ID):
			parent.ChildOperationID = models.Int64(op.ID)
			parent.UpdateDate = &now
			if err := putOperation(tx, parent); err != nil {
				return err
			}
		}
	}
	if op.ChildOperationID != nil {
		child, err := getOperation(tx, *op.ChildOperationID)
		switch {
		case errors.Is(err, ErrNotFound):
			op.ChildOperationID = nil
		case err != nil:
			return err
		case !models.SameInt64(child.ParentOperationID, &op.ID):
			child.ParentOperationID = models.Int64(op.ID)
			child.UpdateDate = &now
			if err := putOperation(tx, child); err != nil {
				return err
			}
		}
	}

	return putOperation(tx, op)
}

// serverLink drops link ids the pod cannot know: local ids and self links.
func serverLink(id *int64, self int64) *int64 {
	if id == nil || *id <= 0 || *id == self {
		return nil
	}
	return id
}

func unlinkChild(tx *bolt.Tx, parentID, childID int64, now time.Time) error {
	parent, err := getOperation(tx, parentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !models.SameInt64(parent.ChildOperationID, &childID) {
		return nil
	}
	parent.ChildOperationID = nil
	parent.UpdateDate = &now
	return putOperation(tx, parent)
}

func unlinkParent(tx *bolt.Tx, childID, parentID int64, now time.Time) error {
	child, err := getOperation(tx, childID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !models.SameInt64(child.ParentOperationID, &parentID) {
		return nil
	}
	child.ParentOperationID = nil
	child.UpdateDate = &now
	return putOperation(tx, child)
}

func assignSubEntityIDs(tx *bolt.Tx, op *models.Operation, now time.Time) error {
	for _, p := range op.Positions {
		if p == nil {
			continue
		}
		if p.ID <= 0 {
			id, err := nextID(tx, models.EntityPosition)
			if err != nil {
				return err
			}
			p.ID = id
		}
		p.OperationID = models.Int64(op.ID)
		p.UpdateDate = &now
	}
	for _, m := range op.Measurements {
		if m == nil {
			continue
		}
		if m.ID <= 0 {
			id, err := nextID(tx, models.EntityMeasurement)
			if err != nil {
				return err
			}
			m.ID = id
		}
		m.UpdateDate = &now
	}
	if err := assignSampleIDs(tx, op.Samples, op.ID, nil, now); err != nil {
		return err
	}
	if op.CatchBatch != nil {
		return assignBatchIDs(tx, []*models.Batch{op.CatchBatch}, op.ID, nil, now)
	}
	return nil
}

func assignSampleIDs(tx *bolt.Tx, samples []*models.Sample, opID int64, parentID *int64, now time.Time) error {
	for _, s := range samples {
		if s == nil {
			continue
		}
		if s.ID <= 0 {
			id, err := nextID(tx, models.EntitySample)
			if err != nil {
				return err
			}
			s.ID = id
		}
		s.OperationID = models.Int64(opID)
		s.ParentID = parentID
		s.UpdateDate = &now
		if err := assignSampleIDs(tx, s.Children, opID, models.Int64(s.ID), now); err != nil {
			return err
		}
	}
	return nil
}

func assignBatchIDs(tx *bolt.Tx, batches []*models.Batch, opID int64, parentID *int64, now time.Time) error {
	for _, b := range batches {
		if b == nil {
			continue
		}
		if b.ID <= 0 {
			id, err := nextID(tx, models.EntityBatch)
			if err != nil {
				return err
			}
			b.ID = id
		}
		b.OperationID = models.Int64(opID)
		b.ParentID = parentID
		b.UpdateDate = &now
		if err := assignBatchIDs(tx, b.Children, opID, models.Int64(b.ID), now); err != nil {
			return err
		}
	}
	return nil
}

// ControlOperation saves op and marks it controlled.
func (s *BboltStore) ControlOperation(_ context.Context, op *models.Operation) (*models.Operation, error) {
	if op == nil || op.ID <= 0 {
		return nil, fmt.Errorf("control operation: %w", ErrInvalid)
	}
	var saved *models.Operation
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		if err := s.saveOperation(tx, op, now); err != nil {
			return err
		}
		op.ControlDate = &now
		if err := putOperation(tx, op); err != nil {
			return err
		}
		saved = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteOperations removes operations and clears the link held by their
// siblings. Unknown ids are ignored; the ids actually deleted are returned.
func (s *BboltStore) DeleteOperations(_ context.Context, ids []int64) ([]int64, error) {
	var deleted []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		for _, id := range ids {
			ok, err := deleteOperation(tx, id, now)
			if err != nil {
				return err
			}
			if ok {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	return deleted, err
}

func deleteOperation(tx *bolt.Tx, id int64, now time.Time) (bool, error) {
	op, err := getOperation(tx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if op.ParentOperationID != nil {
		if err := unlinkChild(tx, *op.ParentOperationID, id, now); err != nil {
			return false, err
		}
	}
	if op.ChildOperationID != nil {
		if err := unlinkParent(tx, *op.ChildOperationID, id, now); err != nil {
			return false, err
		}
	}
	return true, tx.Bucket(bucketOperations).Delete(itob(id))
}

// ==================== Trips ====================

// GetTrip retrieves a trip by id. Returns ErrNotFound if missing.
func (s *BboltStore) GetTrip(_ context.Context, id int64) (*models.Trip, error) {
	var trip *models.Trip
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		trip, err = getTrip(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("trip %d: %w", id, err)
	}
	return trip, nil
}

// SaveTrip creates or updates a trip. With withOperations the operations
// carried by the trip are saved in the same transaction and returned on it.
func (s *BboltStore) SaveTrip(_ context.Context, trip *models.Trip, withOperations bool) (*models.Trip, error) {
	if trip == nil {
		return nil, fmt.Errorf("save trip: %w", ErrInvalid)
	}
	var saved *models.Trip
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		if trip.ID > 0 {
			if _, err := getTrip(tx, trip.ID); err != nil {
				return fmt.Errorf("trip %d: %w", trip.ID, err)
			}
		} else {
			id, err := nextID(tx, models.EntityTrip)
			if err != nil {
				return err
			}
			trip.ID = id
		}
		ops := trip.Operations
		stored := *trip
		stored.Operations = nil
		stored.UpdateDate = &now
		if err := putJSON(tx.Bucket(bucketTrips), itob(stored.ID), &stored); err != nil {
			return err
		}

		saved = &stored
		if !withOperations {
			return nil
		}
		ids := make([]int64, 0, len(ops))
		for _, op := range ops {
			if op == nil {
				continue
			}
			op.TripID = stored.ID
			if err := s.saveOperation(tx, op, now); err != nil {
				return err
			}
			ids = append(ids, op.ID)
		}
		result := stored
		for _, id := range ids {
			op, err := getOperation(tx, id)
			if err != nil {
				return err
			}
			result.Operations = append(result.Operations, op)
		}
		saved = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteTrips removes trips and all their operations.
func (s *BboltStore) DeleteTrips(_ context.Context, ids []int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		for _, id := range ids {
			var opIDs []int64
			if err := tx.Bucket(bucketOperations).ForEach(func(_, v []byte) error {
				var op models.Operation
				if err := json.Unmarshal(v, &op); err != nil {
					return err
				}
				if op.TripID == id {
					opIDs = append(opIDs, op.ID)
				}
				return nil
			}); err != nil {
				return err
			}
			for _, opID := range opIDs {
				if _, err := deleteOperation(tx, opID, now); err != nil {
					return err
				}
			}
			if err := tx.Bucket(bucketTrips).Delete(itob(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Programs ====================

// GetProgram retrieves a program by label. Returns ErrNotFound if missing.
func (s *BboltStore) GetProgram(_ context.Context, label string) (*models.Program, error) {
	var p models.Program
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPrograms), []byte(label), &p)
	})
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", label, err)
	}
	return &p, nil
}

// PutProgram creates or replaces a program.
func (s *BboltStore) PutProgram(_ context.Context, p *models.Program) error {
	if p == nil || p.Label == "" {
		return fmt.Errorf("put program: %w", ErrInvalid)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if p.ID <= 0 {
			id, err := nextID(tx, "ProgramVO")
			if err != nil {
				return err
			}
			p.ID = id
		}
		return putJSON(tx.Bucket(bucketPrograms), []byte(p.Label), p)
	})
}
