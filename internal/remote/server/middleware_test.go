package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipal_CanRead(t *testing.T) {
	all := &principal{}
	assert.True(t, all.canRead("SIH"))

	star := &principal{programs: []string{"*"}}
	assert.True(t, star.canRead("SIH"))

	scoped := &principal{programs: []string{"SIH"}}
	assert.True(t, scoped.canRead("SIH"))
	assert.True(t, scoped.canRead(""))
	assert.False(t, scoped.canRead("OBSMER"))

	assert.False(t, (&principal{permission: "ro"}).canWrite())
	assert.True(t, (&principal{permission: "rw"}).canWrite())
}

func TestRateLimiter_BucketRefills(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := &rateLimiter{buckets: map[string]*bucket{}, perMinute: 2, now: func() time.Time { return now }}

	ok, _ := rl.allow("tok-1")
	assert.True(t, ok)
	ok, _ = rl.allow("tok-1")
	assert.True(t, ok)

	ok, wait := rl.allow("tok-1")
	assert.False(t, ok)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(time.Millisecond))

	ok, _ = rl.allow("tok-2")
	assert.True(t, ok, "buckets are per key")

	now = now.Add(31 * time.Second)
	ok, _ = rl.allow("tok-1")
	assert.True(t, ok)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(1)
	defer rl.Stop()
	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRequestID_KeepsClientUUID(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestInfoFrom(r.Context()).id
	}))

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, id, seen)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "not-a-uuid")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
}

func TestRecovery_WritesInternalError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/graphql", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

type countingTokenStore struct {
	testTokenStore
	mu   sync.Mutex
	used map[string]int
}

func (c *countingTokenStore) UpdateLastUsed(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used[id]++
	return nil
}

func TestLastUsedRecorder_CoalescesAndFlushesOnStop(t *testing.T) {
	store := &countingTokenStore{used: map[string]int{}}
	r := newLastUsedRecorder(store, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for range 5 {
		r.record("tok-1")
	}
	r.record("tok-2")
	r.stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.used, 2)
	assert.Equal(t, 1, store.used["tok-1"])
	assert.Equal(t, 1, store.used["tok-2"])
}
