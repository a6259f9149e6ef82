// Package server implements the HTTP handlers and middleware of a tripsync data pod.
package server

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	requestInfoKey contextKey = iota
	principalKey
)

// TokenInfo is a device token as the pod stores it.
type TokenInfo struct {
	ID         string     `json:"id"`
	TokenHash  string     `json:"token_hash"`
	Desc       string     `json:"description"`
	Programs   []string   `json:"programs"`
	Permission string     `json:"permission"` // "ro" or "rw"
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc string, programs []string, permission string) (rawToken string, info *TokenInfo, err error)
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// requestInfo travels with a request through the whole chain. Inner
// middleware fill it in so the access log can report who was served.
type requestInfo struct {
	id      string
	tokenID string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// principal is what an accepted bearer token may do.
type principal struct {
	tokenID    string
	programs   []string
	permission string
}

// Tokens without a program list, or with "*", read every program.
func (p *principal) canRead(label string) bool {
	if len(p.programs) == 0 || label == "" {
		return true
	}
	for _, prog := range p.programs {
		if prog == "*" || prog == label {
			return true
		}
	}
	return false
}

func (p *principal) canWrite() bool { return p.permission == "rw" }

func principalFrom(ctx context.Context) *principal {
	if p, ok := ctx.Value(principalKey).(*principal); ok {
		return p
	}
	return &principal{}
}

func canReadProgram(ctx context.Context, label string) bool {
	return principalFrom(ctx).canRead(label)
}

func canWrite(ctx context.Context) bool {
	return principalFrom(ctx).canWrite()
}

// requestIDMiddleware keeps a client supplied X-Request-ID when it is a UUID,
// so device and pod logs can be correlated, and mints one otherwise.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestInfoKey, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLogMiddleware writes one line per request. Server errors log at
// error level and rejected requests at warn.
func accessLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch status := rec.status(); {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			info := requestInfoFrom(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status()),
				slog.Int64("bytes", rec.written),
				slog.Duration("latency", time.Since(start)),
				slog.String("request_id", info.id),
			}
			if info.tokenID != "" {
				attrs = append(attrs, slog.String("token_id", info.tokenID))
			}
			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500, unless the handler
// already started its response.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("handler panic", "panic", v, "path", r.URL.Path, "request_id", requestInfoFrom(r.Context()).id)
				if rec.code == 0 {
					apiError(rec, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// authMiddleware resolves the bearer token into a principal.
func authMiddleware(tokens TokenStore, lastUsed *lastUsedRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				apiError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid Authorization header")
				return
			}
			info, err := tokens.GetByHash(HashToken(raw))
			if err != nil || info == nil {
				apiError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
				return
			}

			lastUsed.record(info.ID)
			requestInfoFrom(r.Context()).tokenID = info.ID

			p := &principal{tokenID: info.ID, programs: info.Programs, permission: info.Permission}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// lastUsedRecorder batches token usage so a burst of device requests costs
// one token store write per token and flush period.
type lastUsedRecorder struct {
	tokens  TokenStore
	logger  *slog.Logger
	every   time.Duration
	pending chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

func newLastUsedRecorder(tokens TokenStore, every time.Duration, logger *slog.Logger) *lastUsedRecorder {
	r := &lastUsedRecorder{
		tokens:  tokens,
		logger:  logger,
		every:   every,
		pending: make(chan string, 256),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// record never blocks; usage is dropped when the queue is full.
func (r *lastUsedRecorder) record(tokenID string) {
	select {
	case r.pending <- tokenID:
	default:
	}
}

func (r *lastUsedRecorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	used := make(map[string]struct{})
	for {
		select {
		case id := <-r.pending:
			used[id] = struct{}{}
		case <-ticker.C:
			r.flush(used)
		case <-r.done:
			for {
				select {
				case id := <-r.pending:
					used[id] = struct{}{}
				default:
					r.flush(used)
					return
				}
			}
		}
	}
}

func (r *lastUsedRecorder) flush(used map[string]struct{}) {
	for id := range used {
		if err := r.tokens.UpdateLastUsed(id); err != nil {
			r.logger.Warn("failed to update token last_used_at", "error", err, "token_id", id)
		}
		delete(used, id)
	}
}

func (r *lastUsedRecorder) stop() {
	close(r.done)
	r.wg.Wait()
}

// rateLimiter is a per-principal token bucket. Each key may burst up to
// perMinute requests and then refills at perMinute per minute.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute int
	now       func() time.Time
	done      chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		buckets:   make(map[string]*bucket),
		perMinute: perMinute,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if perMinute > 0 {
		go rl.evictIdle()
	}
	return rl
}

// allow takes one token from the key's bucket. When the bucket is empty it
// returns how long until the next token is available.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	capacity := float64(rl.perMinute)
	perSecond := capacity / time.Minute.Seconds()
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, seen: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.seen).Seconds()*perSecond)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
}

// evictIdle drops buckets that have refilled completely.
func (rl *rateLimiter) evictIdle() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-time.Minute)
			for k, b := range rl.buckets {
				if b.seen.Before(cutoff) {
					delete(rl.buckets, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.perMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := principalFrom(r.Context()).tokenID
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}

		ok, wait := rl.allow(key)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			apiError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (rec *statusRecorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.code == 0 {
		rec.code = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through the middleware chain.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
