package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/singleflight"
)

// CacheKey identifies a cached query result: the document name and a stable
// hash of its variables.
type CacheKey struct {
	Operation string
	Vars      uint64
}

func (k CacheKey) String() string {
	return k.Operation + "/" + strconv.FormatUint(k.Vars, 16)
}

// hasher is implemented by variables that know how to hash themselves.
type hasher interface {
	Hash() (uint64, error)
}

// NewCacheKey builds the key of doc with vars.
func NewCacheKey(doc Document, vars any) (CacheKey, error) {
	key := CacheKey{Operation: doc.Name}
	if vars == nil {
		return key, nil
	}
	var err error
	if h, ok := vars.(hasher); ok {
		key.Vars, err = h.Hash()
	} else {
		key.Vars, err = hashstructure.Hash(vars, hashstructure.FormatV2, nil)
	}
	if err != nil {
		return key, fmt.Errorf("hash %s variables: %w", doc.Name, err)
	}
	return key, nil
}

type cacheEntry struct {
	data    json.RawMessage
	expires time.Time
}

// CachedSource is a DataSource decorator holding query results for a TTL.
// Every successful mutation invalidates all cached results and makes open
// watches refetch.
type CachedSource struct {
	inner DataSource
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	entries  map[CacheKey]cacheEntry
	watchers map[chan struct{}]struct{}
}

// NewCachedSource wraps inner. A non-positive ttl keeps results until the
// next invalidation.
func NewCachedSource(inner DataSource, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner:    inner,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[CacheKey]cacheEntry),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (c *CachedSource) get(key CacheKey) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *CachedSource) put(key CacheKey, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every cached result and wakes open watches.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of live entries.
func (c *CachedSource) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if c.ttl <= 0 || c.now().Before(e.expires) {
			n++
		}
	}
	return n
}

// sharedFetchTimeout bounds a fetch that no longer follows the context of
// the caller that started it.
const sharedFetchTimeout = time.Minute

// fetch queries inner once per key for all concurrent callers. The shared
// query outlives a cancelled caller; each caller stops waiting on its own ctx.
func (c *CachedSource) fetch(ctx context.Context, key CacheKey, doc Document, vars any, store bool) (json.RawMessage, error) {
	ch := c.group.DoChan(key.String(), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return c.inner.Query(shared, doc, vars, NetworkOnly)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	data := res.Val.(json.RawMessage)
	if store {
		c.put(key, data)
	}
	return data, nil
}

// Query answers doc according to policy.
func (c *CachedSource) Query(ctx context.Context, doc Document, vars any, policy FetchPolicy) (json.RawMessage, error) {
	key, err := NewCacheKey(doc, vars)
	if err != nil {
		return nil, err
	}
	switch policy {
	case CacheOnly:
		if data, ok := c.get(key); ok {
			return data, nil
		}
		return nil, fmt.Errorf("%s: %w", doc.Name, ErrCacheMiss)
	case NoCache:
		return c.fetch(ctx, key, doc, vars, false)
	case NetworkOnly, CacheAndNetwork:
		return c.fetch(ctx, key, doc, vars, true)
	default:
		if data, ok := c.get(key); ok {
			return data, nil
		}
		return c.fetch(ctx, key, doc, vars, true)
	}
}

// WatchQuery emits the result of doc and emits again after every
// invalidation until ctx is done. With cache-and-network a cached result is
// emitted first and the network result follows.
func (c *CachedSource) WatchQuery(ctx context.Context, doc Document, vars any, policy FetchPolicy) <-chan Payload {
	out := make(chan Payload, 2)

	key, err := NewCacheKey(doc, vars)
	if err != nil {
		out <- Payload{Err: err}
		close(out)
		return out
	}

	notify := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[notify] = struct{}{}
	c.mu.Unlock()

	emit := func(p Payload) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.watchers, notify)
			c.mu.Unlock()
		}()

		if policy == CacheOnly {
			data, ok := c.get(key)
			if !ok {
				emit(Payload{Err: fmt.Errorf("%s: %w", doc.Name, ErrCacheMiss)})
				return
			}
			emit(Payload{Data: data, FromCache: true})
			return
		}

		first := true
		for {
			needNetwork := true
			if first && (policy == CacheFirst || policy == CacheAndNetwork || policy == "") {
				if data, ok := c.get(key); ok {
					if !emit(Payload{Data: data, FromCache: true}) {
						return
					}
					needNetwork = policy == CacheAndNetwork
				}
			}
			first = false
			if needNetwork {
				data, err := c.fetch(ctx, key, doc, vars, policy != NoCache)
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return
				}
				if !emit(Payload{Data: data, Err: err}) {
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Mutate forwards to the wrapped source and invalidates the cache on success.
func (c *CachedSource) Mutate(ctx context.Context, doc Document, vars any, opts MutateOptions) (json.RawMessage, error) {
	data, err := c.inner.Mutate(ctx, doc, vars, opts)
	if err != nil {
		return nil, err
	}
	c.Invalidate()
	return data, nil
}

// Subscribe is not cached.
func (c *CachedSource) Subscribe(ctx context.Context, doc Document, vars any) (<-chan Payload, error) {
	return c.inner.Subscribe(ctx, doc, vars)
}
