package sitelink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Keys
// ============================================================================

// QueryKey is an ordered tuple of scalars identifying a cached query, e.g.
// QueryKey{"notifications"} or QueryKey{"projects", 42}.
type QueryKey []any

var (
	NotificationsKey = QueryKey{"notifications"}
	CurrentUserKey   = QueryKey{"users", "me"}
)

func (k QueryKey) String() string {
	b, err := json.Marshal([]any(k))
	if err != nil {
		return fmt.Sprint([]any(k))
	}
	return string(b)
}

// HasPrefix reports whether prefix matches the leading elements of k.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if (QueryKey{k[i]}).String() != (QueryKey{prefix[i]}).String() {
			return false
		}
	}
	return true
}

// Staleness of a cache entry.
type Staleness int

const (
	Fresh Staleness = iota
	Stale
	Invalidated
)

func (s Staleness) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Invalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("staleness(%d)", int(s))
	}
}

// Fetcher loads the value of a query.
type Fetcher func(ctx context.Context) (any, error)

// Entry is a point-in-time view of a cached query.
type Entry struct {
	Key       QueryKey
	Value     any
	HasValue  bool
	Staleness Staleness
	Version   uint64
	UpdatedAt time.Time
	Err       error
	Fetching  bool
}

// ============================================================================
// Cache
// ============================================================================

type fetchCall struct {
	cancel context.CancelFunc
	done   chan struct{}
	value  any
	err    error

	// superseded is set under the cache lock when the call is cancelled by
	// CancelFetches or Remove.
	superseded bool
}

type cacheEntry struct {
	key       QueryKey
	value     any
	hasValue  bool
	status    Staleness
	version   uint64
	updatedAt time.Time
	err       error
	fetcher   Fetcher
	inflight  *fetchCall
	rerun     bool
}

// CacheOptions configures a QueryCache.
type CacheOptions struct {
	// StaleTime is how long fetched data counts as fresh. Zero means data
	// is stale as soon as it lands and is revalidated on the next read.
	StaleTime time.Duration
	Logger    *zerolog.Logger
	Metrics   *Metrics
}

// QueryCache is a keyed store of fetched results with staleness and
// invalidation. Writers to one key are serialised by versioning: a fetch
// commits only if no other write landed on its key since it started and it
// was not cancelled.
type QueryCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	watchers  map[string]map[string]func(Entry)
	staleTime time.Duration
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewQueryCache creates an empty cache.
func NewQueryCache(opts CacheOptions) *QueryCache {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueryCache{
		entries:   make(map[string]*cacheEntry),
		watchers:  make(map[string]map[string]func(Entry)),
		staleTime: opts.StaleTime,
		ctx:       ctx,
		cancel:    cancel,
		logger:    componentLogger(logger, "querycache"),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// Fetch returns the value for key, loading it with fetcher when needed.
// Fresh data is returned as is; stale data is returned immediately and
// revalidated in the background; missing or invalidated data is fetched
// before returning. Concurrent fetches of one key share a single call.
// A nil fetcher reuses the one last registered for key. Callers waiting on
// a fetch that CancelFetches or Remove cancelled read the key again rather
// than seeing the cancellation.
func (c *QueryCache) Fetch(ctx context.Context, key QueryKey, fetcher Fetcher) (any, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}
		e := c.entryLocked(key)
		if fetcher != nil {
			e.fetcher = fetcher
		}
		if e.fetcher == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("no fetcher registered for %s", key)
		}

		if e.hasValue && e.status != Invalidated {
			value := e.value
			if c.stalenessLocked(e) == Stale {
				c.startFetchLocked(e)
			}
			c.mu.Unlock()
			return value, nil
		}

		call := c.startFetchLocked(e)
		c.mu.Unlock()

		select {
		case <-call.done:
			if call.superseded {
				// CancelFetches or Remove took the key over; read it again.
				continue
			}
			return call.value, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Get returns the cached value for key, regardless of staleness.
func (c *QueryCache) Get(key QueryKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Entry returns a snapshot of the entry for key.
func (c *QueryCache) Entry(key QueryKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return c.snapshotLocked(e), true
}

// SetData writes value for key directly, as fresh data.
func (c *QueryCache) SetData(key QueryKey, value any) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.value = value
	e.hasValue = true
	e.status = Fresh
	e.version++
	e.updatedAt = c.now()
	e.err = nil
	snap, watchers := c.snapshotLocked(e), c.watchersLocked(key)
	c.mu.Unlock()

	notify(watchers, snap)
}

// Remove drops the entry for key, cancelling any in-flight fetch.
func (c *QueryCache) Remove(key QueryKey) {
	c.mu.Lock()
	h := key.String()
	e, ok := c.entries[h]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.inflight != nil {
		e.inflight.superseded = true
		e.inflight.cancel()
		e.inflight = nil
	}
	delete(c.entries, h)
	watchers := c.watchersLocked(key)
	c.mu.Unlock()

	notify(watchers, Entry{Key: key, Staleness: Invalidated})
}

// Invalidate marks every entry whose key starts with prefix as invalidated
// and refetches those with a registered fetcher in the background. It
// returns the number of entries matched.
func (c *QueryCache) Invalidate(prefix QueryKey) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrCacheClosed
	}
	c.metrics.CacheInvalidations.Inc()

	type pending struct {
		snap     Entry
		watchers []func(Entry)
	}
	var notes []pending
	matched := 0
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		matched++
		e.status = Invalidated
		if e.inflight != nil {
			// The running fetch may predate whatever caused the invalidation.
			e.rerun = true
		} else {
			c.startFetchLocked(e)
		}
		notes = append(notes, pending{c.snapshotLocked(e), c.watchersLocked(e.key)})
	}
	c.mu.Unlock()

	c.logger.Debug().Stringer("prefix", prefix).Int("matched", matched).Msg("invalidated")
	for _, n := range notes {
		notify(n.watchers, n.snap)
	}
	return matched, nil
}

// CancelFetches cancels the in-flight fetch for key, if any. Its result is
// discarded and never committed. It reports whether a fetch was cancelled.
func (c *QueryCache) CancelFetches(key QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || e.inflight == nil {
		return false
	}
	e.inflight.superseded = true
	e.inflight.cancel()
	e.inflight = nil
	e.rerun = false
	return true
}

// Watch calls fn with a snapshot of key's entry after every change. The
// returned function stops watching.
func (c *QueryCache) Watch(key QueryKey, fn func(Entry)) func() {
	h := key.String()
	id := uuid.NewString()
	c.mu.Lock()
	if c.watchers[h] == nil {
		c.watchers[h] = make(map[string]func(Entry))
	}
	c.watchers[h][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers[h], id)
		if len(c.watchers[h]) == 0 {
			delete(c.watchers, h)
		}
		c.mu.Unlock()
	}
}

// Close cancels background fetches and waits for them to finish.
func (c *QueryCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// ============================================================================
// Internals
// ============================================================================

func (c *QueryCache) entryLocked(key QueryKey) *cacheEntry {
	h := key.String()
	e, ok := c.entries[h]
	if !ok {
		e = &cacheEntry{key: append(QueryKey(nil), key...), status: Invalidated}
		c.entries[h] = e
	}
	return e
}

func (c *QueryCache) stalenessLocked(e *cacheEntry) Staleness {
	if e.status == Fresh && c.now().Sub(e.updatedAt) >= c.staleTime {
		return Stale
	}
	return e.status
}

func (c *QueryCache) snapshotLocked(e *cacheEntry) Entry {
	return Entry{
		Key:       e.key,
		Value:     e.value,
		HasValue:  e.hasValue,
		Staleness: c.stalenessLocked(e),
		Version:   e.version,
		UpdatedAt: e.updatedAt,
		Err:       e.err,
		Fetching:  e.inflight != nil,
	}
}

func (c *QueryCache) watchersLocked(key QueryKey) []func(Entry) {
	ws := c.watchers[key.String()]
	out := make([]func(Entry), 0, len(ws))
	for _, w := range ws {
		out = append(out, w)
	}
	return out
}

// startFetchLocked starts (or joins) the background fetch for e. Entries
// without a fetcher are left alone and nil is returned.
func (c *QueryCache) startFetchLocked(e *cacheEntry) *fetchCall {
	if e.inflight != nil {
		return e.inflight
	}
	if e.fetcher == nil || c.closed {
		return nil
	}

	fctx, cancel := context.WithCancel(c.ctx)
	call := &fetchCall{cancel: cancel, done: make(chan struct{})}
	e.inflight = call
	fetcher, startVersion := e.fetcher, e.version

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		v, err := fetcher(fctx)
		c.complete(e, call, startVersion, v, err)
	}()
	return call
}

func (c *QueryCache) complete(e *cacheEntry, call *fetchCall, startVersion uint64, v any, err error) {
	c.mu.Lock()
	current, ok := c.entries[e.key.String()]
	var watchers []func(Entry)
	var snap Entry

	switch {
	case !ok || current != e || e.inflight != call:
		// Cancelled or removed: never commit.
		c.metrics.CacheFetches.WithLabelValues("discarded").Inc()
		v, err = nil, context.Canceled
	case err != nil:
		e.inflight = nil
		e.err = err
		c.metrics.CacheFetches.WithLabelValues("error").Inc()
		c.logger.Debug().Err(err).Stringer("key", e.key).Msg("fetch failed")
		snap, watchers = c.snapshotLocked(e), c.watchersLocked(e.key)
	case e.version != startVersion:
		// A direct write landed while fetching; it wins.
		e.inflight = nil
		c.metrics.CacheFetches.WithLabelValues("discarded").Inc()
		v = e.value
	default:
		e.inflight = nil
		e.value = v
		e.hasValue = true
		e.version++
		e.updatedAt = c.now()
		e.err = nil
		if !e.rerun {
			e.status = Fresh
		}
		c.metrics.CacheFetches.WithLabelValues("ok").Inc()
		snap, watchers = c.snapshotLocked(e), c.watchersLocked(e.key)
	}

	if ok && current == e && e.inflight == nil && e.rerun {
		e.rerun = false
		e.status = Invalidated
		c.startFetchLocked(e)
	}
	call.value, call.err = v, err
	c.mu.Unlock()

	close(call.done)
	notify(watchers, snap)
}

func notify(watchers []func(Entry), snap Entry) {
	for _, w := range watchers {
		w(snap)
	}
}

// ============================================================================
// Typed helpers
// ============================================================================

// FetchQuery is Fetch with a typed fetcher and result.
func FetchQuery[T any](ctx context.Context, c *QueryCache, key QueryKey, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	var fetcher Fetcher
	if fetch != nil {
		fetcher = func(ctx context.Context) (any, error) { return fetch(ctx) }
	}
	v, err := c.Fetch(ctx, key, fetcher)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cached value for %s is %T, not %T", key, v, zero)
	}
	return t, nil
}

// QueryData returns the cached value for key if it holds a T.
func QueryData[T any](c *QueryCache, key QueryKey) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
