package core

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/store"
	"golang.org/x/sync/errgroup"
)

// OperationPage is one page of operations and the count of all matches.
type OperationPage = models.LoadResult[*models.Operation]

// defaultPageSize replaces a non-positive page size.
const defaultPageSize = 1000

// WatchOptions configures WatchAll and LoadAll.
type WatchOptions struct {
	Network models.NetworkState
	// WithOffline adds the local store to an online query.
	WithOffline bool
	Trash       bool
	// FetchPolicy of the remote query, cache-and-network by default.
	FetchPolicy remote.FetchPolicy
	// Query replaces the remote list document.
	Query *remote.Document
	// MapFn post-processes every emitted page, before ranking.
	MapFn          func(ctx context.Context, ops []*models.Operation) ([]*models.Operation, error)
	SortByDistance bool
	// ComputeRankOrder defaults to true.
	ComputeRankOrder *bool
	// WithTotal defaults to true.
	WithTotal *bool
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func boolPtr(v bool) *bool { return &v }

// sourceMix decides which sides a query reads.
func sourceMix(filter *models.OperationFilter, opts WatchOptions) (offline, online bool) {
	forceOffline := opts.Network.Offline() || filter.LocalTrip()
	return forceOffline || opts.WithOffline, !forceOffline
}

// normalize applies the rules every query follows whatever its sources.
func normalize(filter *models.OperationFilter, opts WatchOptions) WatchOptions {
	if filter != nil && filter.DataQualityStatus != "" {
		opts.ComputeRankOrder = boolPtr(false)
	}
	return opts
}

// sideOptions are the options of one side of a merged query: ordering and
// ranking happen once, after the merge.
func sideOptions(opts WatchOptions) WatchOptions {
	opts.MapFn = nil
	opts.SortByDistance = false
	opts.ComputeRankOrder = boolPtr(false)
	return opts
}

// WatchAll streams pages of operations matching filter, read from the local
// store, the pod, or both. The page channel closes when ctx is done or a
// source fails; the error channel then holds the failure, if any.
//
// Each source is windowed on its own with the same offset and size, so a
// merged page may hold up to twice page.Size operations.
func (s *OperationService) WatchAll(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions) (<-chan OperationPage, <-chan error) {
	offline, online := sourceMix(filter, opts)
	opts = normalize(filter, opts)

	switch {
	case offline && online:
		side := sideOptions(opts)
		localPages, localErr := s.WatchAllLocally(ctx, page, filter, side)
		remotePages, remoteErr := s.WatchAllRemotely(ctx, page, filter, side)
		return s.combineLatest(ctx, page, filter, opts,
			[2]<-chan OperationPage{localPages, remotePages}, [2]<-chan error{localErr, remoteErr})
	case offline:
		return s.WatchAllLocally(ctx, page, filter, opts)
	default:
		return s.WatchAllRemotely(ctx, page, filter, opts)
	}
}

// LoadAll returns the first page WatchAll would emit. When both sources are
// read they are queried concurrently.
func (s *OperationService) LoadAll(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions) (OperationPage, error) {
	offline, online := sourceMix(filter, opts)
	opts = normalize(filter, opts)
	if !(offline && online) {
		return firstPage(ctx, func(ctx context.Context) (<-chan OperationPage, <-chan error) {
			return s.WatchAll(ctx, page, filter, opts)
		})
	}

	side := sideOptions(opts)
	var localPage, remotePage OperationPage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localPage, err = firstPage(gctx, func(ctx context.Context) (<-chan OperationPage, <-chan error) {
			return s.WatchAllLocally(ctx, page, filter, side)
		})
		return err
	})
	g.Go(func() error {
		var err error
		remotePage, err = firstPage(gctx, func(ctx context.Context) (<-chan OperationPage, <-chan error) {
			return s.WatchAllRemotely(ctx, page, filter, side)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return OperationPage{}, err
	}
	return s.applyWatchOptions(ctx, mergeLoadResult(localPage, remotePage), page, filter, opts)
}

// LoadAllLocally returns the first page WatchAllLocally would emit.
func (s *OperationService) LoadAllLocally(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions) (OperationPage, error) {
	return firstPage(ctx, func(ctx context.Context) (<-chan OperationPage, <-chan error) {
		return s.WatchAllLocally(ctx, page, filter, opts)
	})
}

// firstPage reads one page from a watch and stops it. A watch that ends
// without emitting yields an empty page.
func firstPage(ctx context.Context, watch func(ctx context.Context) (<-chan OperationPage, <-chan error)) (OperationPage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages, errc := watch(ctx)
	if res, ok := <-pages; ok {
		return res, nil
	}
	if err := <-errc; err != nil {
		return OperationPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return OperationPage{}, err
	}
	return OperationPage{Data: []*models.Operation{}}, nil
}

// closedWatch is the watch of a query that has nothing to read.
func closedWatch(err error) (<-chan OperationPage, <-chan error) {
	out := make(chan OperationPage)
	errc := make(chan error, 1)
	if err != nil {
		errc <- err
	}
	close(out)
	close(errc)
	return out, errc
}

func listVars(page models.Page, filter *models.OperationFilter, trash bool) remote.LoadOperationsVars {
	vars := remote.LoadOperationsVars{
		Offset:        max(page.Offset, 0),
		Size:          page.Size,
		SortBy:        page.SortBy,
		SortDirection: page.SortDirection,
		Filter:        filter,
		Trash:         trash,
	}
	if vars.Size <= 0 {
		vars.Size = defaultPageSize
	}
	if vars.SortBy == "" || vars.SortBy == "id" {
		vars.SortBy = "endDateTime"
		if trash {
			vars.SortBy = "updateDate"
		}
	}
	if vars.SortDirection == "" {
		vars.SortDirection = models.SortAsc
		if trash {
			vars.SortDirection = models.SortDesc
		}
	}
	return vars
}

// WatchAllLocally streams pages read from the local store, re-emitting after
// every change to the operations. The filter must target a trip, a program,
// a vessel or explicit ids. A synchronized trip is only accepted offline or
// with WithOffline, where the local side holds imported copies.
func (s *OperationService) WatchAllLocally(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions) (<-chan OperationPage, <-chan error) {
	if filter == nil || (filter.TripID == nil && filter.ProgramLabel == "" && filter.VesselID == nil && len(filter.IncludedIDs) == 0) {
		s.logger.Warn("watching local operations without tripId, programLabel, vesselId or includedIds, skipping")
		return closedWatch(nil)
	}
	if filter.TripID != nil && !models.IsLocalID(*filter.TripID) && !opts.WithOffline && !opts.Network.Offline() {
		return closedWatch(fmt.Errorf("%w: trip %d is not a local trip", ErrLoadEntities, *filter.TripID))
	}

	vars := listVars(page, filter, opts.Trash)
	results, err := s.ops.WatchAll(ctx, store.LoadOptions[*models.Operation]{
		Offset:        vars.Offset,
		Size:          vars.Size,
		SortBy:        vars.SortBy,
		SortDirection: vars.SortDirection,
		Filter:        filter.Predicate(),
		Trash:         opts.Trash,
	})
	if err != nil {
		return closedWatch(fmt.Errorf("%w: %w", ErrLoadEntities, err))
	}
	s.logger.Debug("watching local operations", "offset", vars.Offset, "size", vars.Size, "sort_by", vars.SortBy)

	out := make(chan OperationPage, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for res := range results {
			res, err := s.applyWatchOptions(ctx, res, page, filter, opts)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

// WatchAllRemotely streams pages read from the pod. The filter must target a
// trip or a program. With cache-and-network a cached page may be emitted
// before the network one.
func (s *OperationService) WatchAllRemotely(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions) (<-chan OperationPage, <-chan error) {
	if filter == nil || (filter.TripID == nil && filter.ProgramLabel == "") {
		s.logger.Warn("watching remote operations without tripId or programLabel, skipping")
		return closedWatch(nil)
	}

	vars := listVars(page, filter.AsPodObject(), opts.Trash)
	doc := remote.LoadOperationsWithTotal
	if !boolOr(opts.WithTotal, true) {
		doc = remote.LoadOperations
	}
	if opts.Query != nil {
		doc = *opts.Query
	}
	policy := opts.FetchPolicy
	if policy == "" {
		policy = remote.CacheAndNetwork
	}
	s.logger.Debug("watching remote operations", "query", doc.Name, "policy", policy, "offset", vars.Offset, "size", vars.Size)

	payloads := s.ds.WatchQuery(ctx, doc, &vars, policy)
	out := make(chan OperationPage, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for p := range payloads {
			if p.Err != nil {
				errc <- fmt.Errorf("%w: %w", ErrLoadEntities, p.Err)
				return
			}
			decoded, err := remote.DecodePage(p.Data)
			if err != nil {
				errc <- fmt.Errorf("%w: %w", ErrLoadEntities, err)
				return
			}
			res, err := s.applyWatchOptions(ctx, *decoded, page, filter, opts)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

// combineLatest emits the merge of the latest page of each side, once both
// sides have emitted. A side that ends without emitting counts as empty.
func (s *OperationService) combineLatest(ctx context.Context, page models.Page, filter *models.OperationFilter, opts WatchOptions,
	pages [2]<-chan OperationPage, errs [2]<-chan error) (<-chan OperationPage, <-chan error) {
	out := make(chan OperationPage, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)

		var latest [2]*OperationPage
		for pages[0] != nil || pages[1] != nil {
			var (
				i   int
				res OperationPage
				ok  bool
			)
			select {
			case <-ctx.Done():
				return
			case res, ok = <-pages[0]:
				i = 0
			case res, ok = <-pages[1]:
				i = 1
			}
			if !ok {
				pages[i] = nil
				if err := <-errs[i]; err != nil {
					errc <- err
					return
				}
				if latest[i] != nil {
					continue
				}
				res = OperationPage{}
			}
			latest[i] = &res
			if latest[0] == nil || latest[1] == nil {
				continue
			}

			merged, err := s.applyWatchOptions(ctx, mergeLoadResult(*latest[0], *latest[1]), page, filter, opts)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- merged:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

// mergeLoadResult concatenates the local and remote pages. An operation
// present on both sides is kept once, at its first position, with the
// remote copy. Totals are summed as reported by each side.
func mergeLoadResult(local, pod OperationPage) OperationPage {
	data := make([]*models.Operation, 0, len(local.Data)+len(pod.Data))
	index := make(map[int64]int, len(local.Data)+len(pod.Data))
	for _, op := range local.Data {
		if op == nil {
			continue
		}
		index[op.ID] = len(data)
		data = append(data, op)
	}
	for _, op := range pod.Data {
		if op == nil {
			continue
		}
		if i, ok := index[op.ID]; ok {
			data[i] = op
			continue
		}
		index[op.ID] = len(data)
		data = append(data, op)
	}
	return OperationPage{Data: data, Total: local.Total + pod.Total}
}

// applyWatchOptions runs the caller's post-processing, the distance sort and
// the rank order computation, in that order.
func (s *OperationService) applyWatchOptions(ctx context.Context, res OperationPage, page models.Page, filter *models.OperationFilter, opts WatchOptions) (OperationPage, error) {
	data := res.Data
	if data == nil {
		data = []*models.Operation{}
	}
	if opts.MapFn != nil {
		mapped, err := opts.MapFn(ctx, data)
		if err != nil {
			return OperationPage{}, fmt.Errorf("map operations: %w", err)
		}
		data = mapped
	}
	if opts.SortByDistance {
		data = s.sortByDistance(ctx, data, page.SortBy, page.SortDirection)
	}
	if boolOr(opts.ComputeRankOrder, true) {
		ComputeRankOrderAndSort(data, page.Offset, res.Total, page.SortBy, page.SortDirection, filter)
	}
	return OperationPage{Data: data, Total: res.Total}, nil
}
