package store

import (
	"github.com/kilupskalvis/tripsync/internal/models"
)

// FillLocalIDs gives a local id to the operation, if new, and to every new
// position, measurement, sample and batch it holds, and points those
// sub-entities at the operation.
func (s *Store) FillLocalIDs(op *models.Operation) error {
	if models.IsNewID(op.ID) {
		id, err := s.NextValue(models.EntityOperation)
		if err != nil {
			return err
		}
		op.ID = id
	}
	opID := models.Int64(op.ID)

	for _, p := range op.Positions {
		if p == nil {
			continue
		}
		p.OperationID = opID
		if models.IsNewID(p.ID) {
			id, err := s.NextValue(models.EntityPosition)
			if err != nil {
				return err
			}
			p.ID = id
		}
	}
	for _, m := range op.Measurements {
		if m != nil && models.IsNewID(m.ID) {
			id, err := s.NextValue(models.EntityMeasurement)
			if err != nil {
				return err
			}
			m.ID = id
		}
	}
	if err := s.fillSampleIDs(op.Samples, opID, nil); err != nil {
		return err
	}
	if op.CatchBatch != nil {
		return s.fillBatchIDs([]*models.Batch{op.CatchBatch}, opID, nil)
	}
	return nil
}

func (s *Store) fillSampleIDs(samples []*models.Sample, opID, parentID *int64) error {
	for _, sm := range samples {
		if sm == nil {
			continue
		}
		if models.IsNewID(sm.ID) {
			id, err := s.NextValue(models.EntitySample)
			if err != nil {
				return err
			}
			sm.ID = id
		}
		sm.OperationID = opID
		sm.ParentID = parentID
		if err := s.fillSampleIDs(sm.Children, opID, models.Int64(sm.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) fillBatchIDs(batches []*models.Batch, opID, parentID *int64) error {
	for _, b := range batches {
		if b == nil {
			continue
		}
		if models.IsNewID(b.ID) {
			id, err := s.NextValue(models.EntityBatch)
			if err != nil {
				return err
			}
			b.ID = id
		}
		b.OperationID = opID
		b.ParentID = parentID
		if err := s.fillBatchIDs(b.Children, opID, models.Int64(b.ID)); err != nil {
			return err
		}
	}
	return nil
}
