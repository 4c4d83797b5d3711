package corrections

import (
	"sort"
	"time"
)

const (
	DefaultMaxEntries        = 1000
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultPressureThreshold = 0.8
)

// Policy bounds the log by count and age.
type Policy struct {
	MaxEntries        int
	Retention         time.Duration
	PressureThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxEntries:        DefaultMaxEntries,
		Retention:         DefaultRetention,
		PressureThreshold: DefaultPressureThreshold,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxEntries <= 0 {
		p.MaxEntries = def.MaxEntries
	}
	if p.Retention <= 0 {
		p.Retention = def.Retention
	}
	if p.PressureThreshold <= 0 {
		p.PressureThreshold = def.PressureThreshold
	}
	return p
}

// Evict drops entries older than the retention window, then keeps the
// newest MaxEntries. It does not modify store.
func Evict(store Store, now time.Time, policy Policy) Store {
	policy = policy.withDefaults()
	cutoff := now.Add(-policy.Retention).UnixMilli()

	kept := make([]Entry, 0, len(store.Entries))
	for _, e := range store.Entries {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	if len(kept) > policy.MaxEntries {
		sortNewestFirst(kept)
		kept = kept[:policy.MaxEntries]
	}
	return Store{
		Entries:     kept,
		LastCleanup: now.UnixMilli(),
		TotalSize:   store.TotalSize,
	}
}

// Ties on timestamp fall back to id so ordering is stable across runs.
func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ID > entries[j].ID
	})
}
