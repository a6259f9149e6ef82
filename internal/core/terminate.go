package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
)

// Terminate marks op as finished and ready to be synchronized. An operation
// flagged as not completed by the trip progress pmfm is qualified BAD.
// Operations of local trips are controlled locally; others are controlled
// by the pod, after being saved if they are not synchronized yet.
func (s *OperationService) Terminate(ctx context.Context, op *models.Operation, opts SaveOptions) (*models.Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrControlEntity)
	}
	op.QualificationComments = ""
	if m := op.Measurement(models.PmfmTripProgress); m != nil && m.IsZero() && op.QualityFlagID == models.QualityNotQualified {
		op.QualityFlagID = models.QualityBad
		op.QualificationComments = op.Comments
	}

	if models.IsLocalID(op.TripID) {
		op.ControlDate = models.Time(s.now())
		return s.SaveLocally(ctx, op, opts)
	}
	if opts.Network.Offline() {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrControlEntity, op.ID, remote.ErrOffline)
	}
	if !models.IsRemoteID(op.ID) {
		if _, err := s.Save(ctx, op, opts); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrControlEntity, err)
		}
	}

	unlock := s.lock(op.ID)
	defer unlock()
	_, err := s.ds.Mutate(ctx, remote.ControlOperation, remote.OperationVars{Data: remoteCopy(op)}, remote.MutateOptions{
		Network: opts.Network,
		Update: func(_ context.Context, data json.RawMessage) error {
			controlled, err := remote.Decode[*models.Operation](data)
			if err != nil {
				return err
			}
			if controlled == nil {
				return fmt.Errorf("empty control result")
			}
			copyIdentity(op, controlled, s.logger)
			return s.refreshLocalCopy(op)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrControlEntity, op.ID, err)
	}
	return op, nil
}
