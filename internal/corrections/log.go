package corrections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/metrics"
)

const DefaultKey = "asr_corrections_log"

type Options struct {
	Key      string
	Queue    *kvstore.SerialQueue
	CacheTTL time.Duration
	Quota    int64
	Policy   Policy
	Logger   kvstore.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Log is the bounded correction log. One Log per process owns the key.
type Log struct {
	coll    *kvstore.Collection[Store]
	policy  Policy
	logger  kvstore.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLog(backend kvstore.StateBackend, opts Options) (*Log, error) {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	coll, err := kvstore.NewCollection(kvstore.CollectionOptions[Store]{
		Key:      key,
		Backend:  backend,
		Queue:    opts.Queue,
		CacheTTL: opts.CacheTTL,
		Quota:    opts.Quota,
		Empty:    emptyStore,
		Logger:   opts.Logger,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	return &Log{
		coll:    coll,
		policy:  opts.Policy.withDefaults(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Collection exposes the underlying collection for change subscriptions
// and external change watching.
func (l *Log) Collection() *kvstore.Collection[Store] {
	return l.coll
}

func (l *Log) Policy() Policy {
	return l.policy
}

func (l *Log) Close() {
	l.coll.Close()
}

// Append records a new correction. Eviction runs first when the key is near
// its quota or the count cap is exceeded.
func (l *Log) Append(ctx context.Context, in NewEntry) (Entry, error) {
	if err := in.validate(); err != nil {
		return Entry{}, err
	}
	usage, err := l.coll.Usage(ctx)
	if err != nil {
		l.logf("corrections: usage check failed: %v", err)
	}
	now := l.now()
	entry := in.entry(ulid.Make().String(), now)

	var evicted, stored int
	_, err = l.coll.Update(ctx, func(store Store) (Store, error) {
		store.Entries = append(store.Entries, entry)
		if usage.Fraction() >= l.policy.PressureThreshold || len(store.Entries) > l.policy.MaxEntries {
			before := len(store.Entries)
			store = Evict(store, now, l.policy)
			evicted = before - len(store.Entries)
		}
		store.TotalSize = usage.BytesInUse
		stored = len(store.Entries)
		return store, nil
	})
	if err != nil {
		l.metrics.RecordStoreFailure(l.coll.Key(), "append")
		return Entry{}, fmt.Errorf("append correction: %w", err)
	}
	l.metrics.RecordCorrectionAppended(stored)
	if evicted > 0 {
		l.metrics.RecordCorrectionsEvicted(evicted, stored)
	}
	return entry, nil
}

// Query returns matching entries newest first. Read failures yield an empty
// result.
func (l *Log) Query(ctx context.Context, filter Filter) []Entry {
	store, err := l.coll.Read(ctx)
	if err != nil {
		l.metrics.RecordStoreFailure(l.coll.Key(), "read")
		return []Entry{}
	}
	return query(store, filter)
}

func query(store Store, filter Filter) []Entry {
	out := make([]Entry, 0, len(store.Entries))
	for _, e := range store.Entries {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (l *Log) Get(ctx context.Context, id string) (Entry, error) {
	store, err := l.coll.Read(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range store.Entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Update merges patch over the entry with the given id.
func (l *Log) Update(ctx context.Context, id string, patch Patch) (Entry, error) {
	if err := patch.validate(); err != nil {
		return Entry{}, err
	}
	var updated Entry
	_, err := l.coll.Update(ctx, func(store Store) (Store, error) {
		for i, e := range store.Entries {
			if e.ID != id {
				continue
			}
			updated = patch.apply(e)
			entries := append([]Entry(nil), store.Entries...)
			entries[i] = updated
			store.Entries = entries
			return store, nil
		}
		return store, ErrNotFound
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			l.metrics.RecordStoreFailure(l.coll.Key(), "update")
		}
		return Entry{}, err
	}
	return updated, nil
}

func (l *Log) Remove(ctx context.Context, id string) error {
	_, err := l.coll.Update(ctx, func(store Store) (Store, error) {
		for i, e := range store.Entries {
			if e.ID != id {
				continue
			}
			entries := make([]Entry, 0, len(store.Entries)-1)
			entries = append(entries, store.Entries[:i]...)
			entries = append(entries, store.Entries[i+1:]...)
			store.Entries = entries
			return store, nil
		}
		return store, ErrNotFound
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.metrics.RecordStoreFailure(l.coll.Key(), "remove")
	}
	return err
}

// Cleanup runs eviction regardless of pressure and reports how many entries
// were dropped.
func (l *Log) Cleanup(ctx context.Context) (int, error) {
	var removed, stored int
	_, err := l.coll.Update(ctx, func(store Store) (Store, error) {
		before := len(store.Entries)
		store = Evict(store, l.now(), l.policy)
		removed = before - len(store.Entries)
		stored = len(store.Entries)
		return store, nil
	})
	if err != nil {
		l.metrics.RecordStoreFailure(l.coll.Key(), "cleanup")
		return 0, fmt.Errorf("cleanup corrections: %w", err)
	}
	l.metrics.RecordCorrectionsEvicted(removed, stored)
	return removed, nil
}

func (l *Log) Clear(ctx context.Context) error {
	if err := l.coll.Write(ctx, Store{Entries: []Entry{}, LastCleanup: l.now().UnixMilli()}); err != nil {
		l.metrics.RecordStoreFailure(l.coll.Key(), "clear")
		return fmt.Errorf("clear corrections: %w", err)
	}
	l.metrics.RecordCorrectionsEvicted(0, 0)
	return nil
}

type Stats struct {
	Total       int            `json:"total"`
	ByAgentType map[string]int `json:"byAgentType"`
	BySource    map[Source]int `json:"bySource"`
	Approved    int            `json:"approved"`
	WithAudio   int            `json:"withAudio"`
	Oldest      int64          `json:"oldest,omitempty"`
	Newest      int64          `json:"newest,omitempty"`
	LastCleanup int64          `json:"lastCleanup,omitempty"`
	Usage       kvstore.Usage  `json:"usage"`
}

func (l *Log) Stats(ctx context.Context) Stats {
	stats := Stats{
		ByAgentType: map[string]int{},
		BySource:    map[Source]int{},
	}
	store, err := l.coll.Read(ctx)
	if err != nil {
		return stats
	}
	stats.Total = len(store.Entries)
	stats.LastCleanup = store.LastCleanup
	for _, e := range store.Entries {
		stats.ByAgentType[e.AgentType]++
		stats.BySource[e.Source]++
		if e.ApprovalStatus == ApprovalApproved || e.UserExplicitlyApproved {
			stats.Approved++
		}
		if e.AudioPath != "" {
			stats.WithAudio++
		}
		if stats.Oldest == 0 || e.Timestamp < stats.Oldest {
			stats.Oldest = e.Timestamp
		}
		if e.Timestamp > stats.Newest {
			stats.Newest = e.Timestamp
		}
	}
	if usage, err := l.coll.Usage(ctx); err == nil {
		stats.Usage = usage
	}
	return stats
}

func (l *Log) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
