package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
)

const (
	importPageSize    = 100
	importDaysDefault = 15
	lastImportPrefix  = "import." + models.EntityOperation + "."
)

// ImportOptions configures the import of parent operations.
type ImportOptions struct {
	Network models.NetworkState
	// MaxProgression is the value reached when the import ends, 100 by default.
	MaxProgression int
	// Progression receives the progress of the job and can cancel it.
	Progression *Progression
	// ImportDays bounds the import to operations of the last days, unless
	// the filter has a start date.
	ImportDays int
}

func (o ImportOptions) withDefaults() ImportOptions {
	if o.MaxProgression <= 0 {
		o.MaxProgression = 100
	}
	if o.Progression == nil {
		o.Progression = NewProgression()
	}
	if o.ImportDays <= 0 {
		o.ImportDays = importDaysDefault
	}
	return o
}

// ExecuteImport runs RunImport in the background. The progress channel must
// be drained; both channels are closed when the import ends.
func (s *OperationService) ExecuteImport(ctx context.Context, filter *models.OperationFilter, opts ImportOptions) (<-chan int, <-chan error) {
	opts = opts.withDefaults()
	progress := make(chan int, 1)
	errc := make(chan error, 1)
	remove := opts.Progression.OnChange(func(v int) {
		select {
		case progress <- v:
		case <-ctx.Done():
		}
	})
	go func() {
		defer close(progress)
		defer close(errc)
		defer remove()
		if err := s.RunImport(ctx, filter, opts); err != nil {
			errc <- err
		}
	}()
	return progress, errc
}

// RunImport copies the parent operations of a program that can still get a
// child (not completed, without child) into the local store, with their
// trip context, so they can be linked offline. Previously imported
// operations that no longer match are removed.
//
// Programs without parent operations are skipped: the progression is set to
// its maximum and nil is returned.
func (s *OperationService) RunImport(ctx context.Context, filter *models.OperationFilter, opts ImportOptions) error {
	opts = opts.withDefaults()
	if opts.Network.Offline() {
		return fmt.Errorf("%w: %w", ErrLoadEntities, remote.ErrOffline)
	}
	if filter == nil || filter.ProgramLabel == "" {
		return fmt.Errorf("%w: programLabel required", ErrMissingFilter)
	}
	label := filter.ProgramLabel
	logger := s.logger.With("program", label)

	program, err := s.loadProgram(ctx, label)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadEntities, err)
	}
	if !program.PropertyAsBool(models.ProgramPropertyAllowParentOperation) {
		logger.Info("skipping operation import", "reason", ErrImportNotAllowed)
		opts.Progression.Set(opts.MaxProgression)
		return nil
	}

	f := filter.Clone()
	if f.StartDate == nil {
		f.StartDate = models.Time(s.now().AddDate(0, 0, -opts.ImportDays))
	}
	f.QualityFlagID = new(models.QualityFlag)
	*f.QualityFlagID = models.QualityNotCompleted
	f.ExcludeChildOperation = true
	f.HasNoChildOperation = true

	started := time.Now()
	ops, err := s.fetchAllPages(ctx, f, opts.Progression, opts.MaxProgression*9/10)
	if err != nil {
		return err
	}

	pending, err := s.PendingIDs()
	if err != nil {
		return err
	}
	imported := make(map[int64]bool, len(ops))
	for _, op := range ops {
		imported[op.ID] = true
	}
	if err := s.removeStaleImports(label, imported, pending); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveEntities, err)
	}

	// Local edits waiting to be sent win over the pod copy.
	ops = slices.DeleteFunc(ops, func(op *models.Operation) bool { return slices.Contains(pending, op.ID) })
	for _, op := range ops {
		if err := s.annotate(ctx, op, label); err != nil {
			return err
		}
	}
	if _, err := s.ops.SaveAll(ops, store.SaveAllOptions{Reset: false}); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveEntities, err)
	}
	if err := s.st.SetValue(lastImportPrefix+label, s.now().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	opts.Progression.Set(opts.MaxProgression)
	logger.Info("imported parent operations", "count", len(imported), "duration", time.Since(started))
	return nil
}

// fetchAllPages reads every page of the filter, moving the progression up
// to maxProgress. Cancellation is checked between pages.
func (s *OperationService) fetchAllPages(ctx context.Context, filter *models.OperationFilter, p *Progression, maxProgress int) ([]*models.Operation, error) {
	var all []*models.Operation
	for offset := 0; ; offset += importPageSize {
		if p.Cancelled() {
			return nil, ErrImportCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrImportCancelled, err)
		}

		vars := listVars(models.Page{Offset: offset, Size: importPageSize}, filter.AsPodObject(), false)
		raw, err := s.ds.Query(ctx, remote.LoadAllWithTripAndTotal, &vars, remote.NoCache)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadEntities, err)
		}
		page, err := remote.DecodePage(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadEntities, err)
		}
		all = append(all, page.Data...)

		if page.Total > 0 {
			p.Set(min(len(all), page.Total) * maxProgress / page.Total)
		}
		if len(page.Data) < importPageSize || len(all) >= page.Total {
			return all, nil
		}
	}
}

// removeStaleImports deletes imported operations of the program that are not
// in the new import. Local operations, operations of other programs and
// operations waiting to be sent are kept.
func (s *OperationService) removeStaleImports(label string, imported map[int64]bool, pending []int64) error {
	res, err := s.ops.LoadAll(store.LoadOptions[*models.Operation]{
		Filter: func(op *models.Operation) bool {
			return models.IsRemoteID(op.ID) &&
				!imported[op.ID] &&
				(op.ProgramLabel == "" || op.ProgramLabel == label) &&
				!slices.Contains(pending, op.ID)
		},
	})
	if err != nil {
		return err
	}
	if len(res.Data) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(res.Data))
	for _, op := range res.Data {
		ids = append(ids, op.ID)
	}
	s.logger.Debug("removing stale imported operations", "program", label, "ids", ids)
	return s.ops.DeleteMany(ids)
}

// annotate attaches the trip context an imported operation needs offline.
func (s *OperationService) annotate(ctx context.Context, op *models.Operation, label string) error {
	op.ProgramLabel = label
	if op.Trip != nil && op.VesselID != nil {
		return nil
	}
	trip, err := s.loadRemoteTrip(ctx, op.TripID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadEntities, err)
	}
	if op.VesselID == nil {
		op.VesselID = models.Int64(trip.VesselID)
	}
	if op.Trip == nil {
		op.Trip = trip.Summary()
	}
	return nil
}

// LastImportDate returns when the operations of a program were last
// imported, or nil.
func (s *OperationService) LastImportDate(label string) (*time.Time, error) {
	raw, err := s.st.GetValue(lastImportPrefix + label)
	if err != nil || raw == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse last import date: %w", err)
	}
	return &t, nil
}
