package core

import (
	"context"
	"fmt"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
)

// ListenChanges streams the new versions of a synchronized operation as the
// pod reports them, polling every interval. Local operations have nothing to
// listen to: the channel is closed at once. The stream ends when ctx is done
// or the subscription fails.
func (s *OperationService) ListenChanges(ctx context.Context, id int64, interval time.Duration) (<-chan *models.Operation, error) {
	out := make(chan *models.Operation)
	if !models.IsRemoteID(id) {
		close(out)
		return out, nil
	}
	seconds := max(int(interval/time.Second), 1)
	payloads, err := s.ds.Subscribe(ctx, remote.UpdateOperation, remote.SubscribeOperationVars{ID: id, Interval: seconds})
	if err != nil {
		return nil, fmt.Errorf("%w: operation %d: %w", ErrSubscribeEntity, id, err)
	}
	s.logger.Debug("listening for changes", "id", id, "interval", seconds)

	go func() {
		defer close(out)
		for p := range payloads {
			if p.Err != nil {
				s.logger.Warn("operation subscription failed", "id", id, "error", p.Err)
				return
			}
			op, err := remote.Decode[*models.Operation](p.Data)
			if err != nil || op == nil {
				s.logger.Warn("cannot decode operation update", "id", id, "error", err)
				continue
			}
			select {
			case out <- op:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
