package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultCacheTTL   = 60 * time.Second
	DefaultQuotaBytes = 10 * 1024 * 1024

	cacheSlot = "blob"
)

// ErrSkipWrite returned from an Update func commits nothing and hands the
// current value back to the caller.
var ErrSkipWrite = errors.New("skip write")

const (
	OriginLocal    = "local"
	OriginExternal = "external"
)

// Change is delivered to subscribers after a write commits.
type Change struct {
	Key         string    `json:"key"`
	Origin      string    `json:"origin"`
	Size        int       `json:"size"`
	CommittedAt time.Time `json:"committedAt"`
}

type Usage struct {
	BytesInUse int64 `json:"bytesInUse"`
	Quota      int64 `json:"quota"`
}

func (u Usage) Fraction() float64 {
	if u.Quota <= 0 {
		return 0
	}
	return float64(u.BytesInUse) / float64(u.Quota)
}

type CollectionOptions[T any] struct {
	Key     string
	Backend StateBackend
	// Queue may be shared between collections on the same backend. When nil
	// the collection owns a private queue and Close stops it.
	Queue    *SerialQueue
	CacheTTL time.Duration
	Quota    int64
	Empty    func() T
	Logger   Logger
	Now      func() time.Time
}

// Collection is typed, cached access to a single backend key. Reads and
// writes share one serial queue so a read-modify-write never interleaves
// with another mutator of the same key.
type Collection[T any] struct {
	key      string
	backend  StateBackend
	queue    *SerialQueue
	ownQueue bool
	cache    *gocache.Cache
	quota    int64
	empty    func() T
	logger   Logger
	now      func() time.Time

	lastSize atomic.Int64

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Change)
}

func NewCollection[T any](opts CollectionOptions[T]) (*Collection[T], error) {
	key, err := normalizeKey(opts.Key)
	if err != nil {
		return nil, err
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	quota := opts.Quota
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	empty := opts.Empty
	if empty == nil {
		empty = func() T {
			var zero T
			return zero
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Collection[T]{
		key:     key,
		backend: opts.Backend,
		queue:   opts.Queue,
		// No janitor: the single slot is checked for expiry on Get.
		cache:  gocache.New(ttl, 0),
		quota:  quota,
		empty:  empty,
		logger: opts.Logger,
		now:    now,
		subs:   map[int]func(Change){},
	}
	if c.queue == nil {
		c.queue = NewSerialQueue(0)
		c.ownQueue = true
	}
	return c, nil
}

func (c *Collection[T]) Key() string {
	return c.key
}

// Read returns the cached value while it is fresh, otherwise loads it behind
// every queued operation. On failure the empty value is returned with the
// error.
func (c *Collection[T]) Read(ctx context.Context) (T, error) {
	if data, ok := c.cached(); ok {
		if value, err := c.decode(data); err == nil {
			return value, nil
		}
	}
	var out T
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		value, err := c.current(ctx)
		if err != nil {
			return err
		}
		out = value
		return nil
	})
	if err != nil {
		c.logf("kvstore: read %s failed: %v", c.key, err)
		return c.empty(), err
	}
	return out, nil
}

// Write persists value. The cache only moves after the backend accepted it.
func (c *Collection[T]) Write(ctx context.Context, value T) error {
	var committed int
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		size, err := c.persist(ctx, value)
		committed = size
		return err
	})
	if err != nil {
		c.logf("kvstore: write %s failed: %v", c.key, err)
		return err
	}
	c.notify(Change{Key: c.key, Origin: OriginLocal, Size: committed, CommittedAt: c.now()})
	return nil
}

// Update loads, transforms and persists inside a single queue slot.
func (c *Collection[T]) Update(ctx context.Context, fn func(T) (T, error)) (T, error) {
	if fn == nil {
		return c.empty(), ErrInvalidInput
	}
	var (
		out       T
		committed = -1
	)
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		current, err := c.current(ctx)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if errors.Is(err, ErrSkipWrite) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		size, err := c.persist(ctx, next)
		if err != nil {
			return err
		}
		out = next
		committed = size
		return nil
	})
	if err != nil {
		c.logf("kvstore: update %s failed: %v", c.key, err)
		return c.empty(), err
	}
	if committed >= 0 {
		c.notify(Change{Key: c.key, Origin: OriginLocal, Size: committed, CommittedAt: c.now()})
	}
	return out, nil
}

// Usage reports the persisted size of the key against the quota.
func (c *Collection[T]) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{Quota: c.quota}
	if reporter, ok := c.backend.(UsageReporter); ok {
		n, err := reporter.BytesInUse(ctx, c.key)
		if err != nil {
			return usage, err
		}
		usage.BytesInUse = n
		return usage, nil
	}
	usage.BytesInUse = c.lastSize.Load()
	return usage, nil
}

func (c *Collection[T]) Invalidate() {
	c.cache.Delete(cacheSlot)
}

// ExternalChange drops the cache and tells subscribers another process
// rewrote the key.
func (c *Collection[T]) ExternalChange() {
	c.Invalidate()
	c.notify(Change{Key: c.key, Origin: OriginExternal, CommittedAt: c.now()})
}

// Subscribe registers fn for committed changes. The returned func removes it.
func (c *Collection[T]) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Collection[T]) Close() {
	if c.ownQueue {
		c.queue.Close()
	}
}

func (c *Collection[T]) current(ctx context.Context) (T, error) {
	if data, ok := c.cached(); ok {
		if value, err := c.decode(data); err == nil {
			return value, nil
		}
	}
	data, err := c.backend.Load(ctx, c.key)
	if err != nil {
		return c.empty(), err
	}
	value, err := c.decode(data)
	if err != nil {
		return c.empty(), fmt.Errorf("decode %s: %w", c.key, err)
	}
	c.cache.SetDefault(cacheSlot, append([]byte(nil), data...))
	c.lastSize.Store(int64(len(data)))
	return value, nil
}

func (c *Collection[T]) persist(ctx context.Context, value T) (int, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", c.key, err)
	}
	if err := c.backend.Save(ctx, c.key, data); err != nil {
		return 0, err
	}
	c.cache.SetDefault(cacheSlot, data)
	c.lastSize.Store(int64(len(data)))
	return len(data), nil
}

func (c *Collection[T]) cached() ([]byte, bool) {
	raw, ok := c.cache.Get(cacheSlot)
	if !ok {
		return nil, false
	}
	data, ok := raw.([]byte)
	return data, ok
}

// decode always produces a fresh value so callers never share the cached
// slot.
func (c *Collection[T]) decode(data []byte) (T, error) {
	if len(data) == 0 {
		return c.empty(), nil
	}
	value := c.empty()
	if err := json.Unmarshal(data, &value); err != nil {
		return c.empty(), err
	}
	return value, nil
}

func (c *Collection[T]) notify(change Change) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (c *Collection[T]) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// ExternalChangeSink is implemented by every Collection.
type ExternalChangeSink interface {
	Key() string
	ExternalChange()
}

// WatchCollections forwards backend change notifications to the matching
// collections until ctx is done. Backends that cannot watch return nil
// immediately.
func WatchCollections(ctx context.Context, backend StateBackend, sinks ...ExternalChangeSink) error {
	watcher, ok := backend.(Watcher)
	if !ok {
		return nil
	}
	byKey := make(map[string]ExternalChangeSink, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			byKey[sink.Key()] = sink
		}
	}
	return watcher.Watch(ctx, func(key string) {
		if sink, ok := byKey[key]; ok {
			sink.ExternalChange()
		}
	})
}
