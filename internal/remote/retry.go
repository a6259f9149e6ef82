package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig bounds how hard a device insists on a pod query over a poor
// connection.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig retries three times from half a second.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a DataSource with automatic retry of queries on
// transient errors. Mutations and subscriptions are never retried.
type RetryClient struct {
	inner  DataSource
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given DataSource.
func NewRetryClient(inner DataSource, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient reports whether a failed query is worth repeating: pod side
// failures, throttling and network errors. Local decisions (cache miss,
// offline, cancellation) and malformed responses are final.
func isTransient(err error) bool {
	var re *RemoteError
	var se *json.SyntaxError
	switch {
	case err == nil:
		return false
	case errors.As(err, &re):
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCacheMiss), errors.Is(err, ErrOffline), errors.As(err, &se):
		return false
	}
	return true
}

// backoff is the exponential delay before retry number attempt+1, capped at
// MaxBackoff and spread by JitterFraction.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := math.Min(float64(rc.config.InitialBackoff)*math.Pow(2, float64(attempt)), float64(rc.config.MaxBackoff))
	d += d * rc.config.JitterFraction * (2*rand.Float64() - 1)
	return time.Duration(math.Max(d, 0))
}

// delay honours a Retry-After sent by the pod when it is longer than the
// computed backoff, still bounded by MaxBackoff.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	d := rc.backoff(attempt)
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > d {
		d = min(re.RetryAfter, rc.config.MaxBackoff)
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails for good, or MaxRetries repeats
// are spent.
func (rc *RetryClient) retry(ctx context.Context, name string, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < rc.config.MaxRetries && isTransient(err); attempt++ {
		if serr := sleep(ctx, rc.delay(attempt, err)); serr != nil {
			return fmt.Errorf("%s: %w (retry cancelled)", name, err)
		}
		err = fn()
	}
	if err != nil && isTransient(err) && rc.config.MaxRetries > 0 {
		return fmt.Errorf("%s: %w (after %d retries)", name, err, rc.config.MaxRetries)
	}
	return err
}

func (rc *RetryClient) Query(ctx context.Context, doc Document, vars any, policy FetchPolicy) (data json.RawMessage, err error) {
	if policy == CacheOnly {
		return rc.inner.Query(ctx, doc, vars, policy)
	}
	err = rc.retry(ctx, doc.Name, func() error {
		data, err = rc.inner.Query(ctx, doc, vars, policy)
		return err
	})
	return
}

// WatchQuery emits one retried query result and closes.
func (rc *RetryClient) WatchQuery(ctx context.Context, doc Document, vars any, policy FetchPolicy) <-chan Payload {
	ch := make(chan Payload, 1)
	go func() {
		defer close(ch)
		data, err := rc.Query(ctx, doc, vars, policy)
		select {
		case ch <- Payload{Data: data, Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}

func (rc *RetryClient) Mutate(ctx context.Context, doc Document, vars any, opts MutateOptions) (json.RawMessage, error) {
	// A mutation may have been applied before the error surfaced.
	return rc.inner.Mutate(ctx, doc, vars, opts)
}

func (rc *RetryClient) Subscribe(ctx context.Context, doc Document, vars any) (<-chan Payload, error) {
	return rc.inner.Subscribe(ctx, doc, vars)
}
