package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/remote/podstore"
	"github.com/kilupskalvis/tripsync/internal/remote/server"
	"github.com/kilupskalvis/tripsync/internal/store"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

const testToken = "test-token-123"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Logger:   discardLogger(),
		DeviceID: "01JTESTDEVICE0000000000000",
		Now:      func() time.Time { return t0.Add(24 * time.Hour) },
	}
}

// testTokens accepts testToken with read-write permission.
type testTokens struct{}

func (testTokens) GetByHash(hash string) (*server.TokenInfo, error) {
	if hash != server.HashToken(testToken) {
		return nil, nil
	}
	return &server.TokenInfo{ID: "tok-1", TokenHash: hash, Permission: "rw"}, nil
}

func (testTokens) UpdateLastUsed(string) error { return nil }

func (testTokens) ListTokens() ([]*server.TokenInfo, error) { return nil, nil }

func (testTokens) DeleteToken(string) error { return nil }

func (testTokens) CreateToken(string, []string, string) (string, *server.TokenInfo, error) {
	return "", nil, nil
}

// testPod is a data pod served over httptest, reached through the same
// client stack as the CLI.
type testPod struct {
	pod *podstore.BboltStore
	ds  remote.DataSource
}

func newTestPod(t *testing.T) *testPod {
	t.Helper()
	pod, err := podstore.NewBboltStore(filepath.Join(t.TempDir(), "pod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pod.Close() })

	cfg := server.DefaultServerConfig()
	cfg.IntervalUnit = 10 * time.Millisecond
	h, cleanup := server.Handler(pod, testTokens{}, cfg, discardLogger())
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	t.Cleanup(cleanup)

	client := remote.NewHTTPClient(ts.URL, testToken, 5*time.Second)
	retry := remote.NewRetryClient(client, &remote.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	return &testPod{pod: pod, ds: remote.NewCachedSource(retry, time.Minute)}
}

func (p *testPod) seedTrip(t *testing.T, program string) *models.Trip {
	t.Helper()
	trip, err := p.pod.SaveTrip(context.Background(), &models.Trip{ProgramLabel: program, VesselID: 10, DepartureDateTime: t0}, false)
	require.NoError(t, err)
	return trip
}

func (p *testPod) seedOperations(t *testing.T, ops ...*models.Operation) []*models.Operation {
	t.Helper()
	saved, err := p.pod.SaveOperations(context.Background(), ops)
	require.NoError(t, err)
	return saved
}

func (p *testPod) get(t *testing.T, id int64) *models.Operation {
	t.Helper()
	op, err := p.pod.GetOperation(context.Background(), id)
	require.NoError(t, err)
	return op
}

func podListByTrip(tripID int64) podstore.ListOptions {
	return podstore.ListOptions{
		Page:   models.Page{Size: 100, SortBy: "id"},
		Filter: &models.OperationFilter{TripID: models.Int64(tripID)},
	}
}

func newTestServices(t *testing.T, ds remote.DataSource) (*store.Store, *OperationService, *TripService) {
	t.Helper()
	st := newTestStore(t)
	ops := NewOperationService(st, ds, testOptions())
	return st, ops, NewTripService(st, ds, ops, testOptions())
}

func testOperation(id, tripID int64, start time.Time) *models.Operation {
	end := start.Add(2 * time.Hour)
	return &models.Operation{
		ID:            id,
		TripID:        tripID,
		StartDateTime: start,
		EndDateTime:   &end,
		QualityFlagID: models.QualityNotCompleted,
	}
}

func withPositions(op *models.Operation) *models.Operation {
	op.Positions = []*models.VesselPosition{
		{DateTime: op.StartDateTime, Latitude: 47.1, Longitude: -5.2},
		{DateTime: *op.EndDateTime, Latitude: 47.3, Longitude: -5.4},
	}
	return op
}

func localTrip(t *testing.T, trips *TripService) *models.Trip {
	t.Helper()
	trip, err := trips.SaveLocally(context.Background(), &models.Trip{ProgramLabel: "SIH", VesselID: 10, DepartureDateTime: t0})
	require.NoError(t, err)
	require.Less(t, trip.ID, int64(0))
	return trip
}

// fakeDataSource answers queries from canned payloads keyed by document
// name and records mutations.
type fakeDataSource struct {
	mu        sync.Mutex
	queries   map[string]any
	queryErr  error
	mutations []string
	mutate    func(doc remote.Document, vars any) (any, error)
}

func newFakeDataSource() *fakeDataSource {
	return &fakeDataSource{queries: make(map[string]any)}
}

func (f *fakeDataSource) Query(_ context.Context, doc remote.Document, _ any, policy remote.FetchPolicy) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	v, ok := f.queries[doc.Name]
	if !ok {
		if policy == remote.CacheOnly {
			return nil, remote.ErrCacheMiss
		}
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(v)
}

func (f *fakeDataSource) WatchQuery(ctx context.Context, doc remote.Document, vars any, policy remote.FetchPolicy) <-chan remote.Payload {
	ch := make(chan remote.Payload, 1)
	data, err := f.Query(ctx, doc, vars, policy)
	ch <- remote.Payload{Data: data, Err: err}
	close(ch)
	return ch
}

func (f *fakeDataSource) Mutate(ctx context.Context, doc remote.Document, vars any, opts remote.MutateOptions) (json.RawMessage, error) {
	f.mu.Lock()
	f.mutations = append(f.mutations, doc.Name)
	mutate := f.mutate
	f.mu.Unlock()

	var resp any
	var err error
	switch {
	case opts.Network.Offline():
		if opts.OfflineResponse == nil {
			return nil, remote.ErrOffline
		}
		resp, err = opts.OfflineResponse(ctx)
	case mutate != nil:
		resp, err = mutate(doc, vars)
	default:
		resp = map[string]any{"data": nil}
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if opts.Update != nil {
		if err := opts.Update(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (f *fakeDataSource) Subscribe(context.Context, remote.Document, any) (<-chan remote.Payload, error) {
	return nil, remote.ErrOffline
}

func (f *fakeDataSource) mutationNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutations...)
}
