package corrections

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestEvictBoundsCountAndAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := Policy{MaxEntries: 5, Retention: 30 * 24 * time.Hour}

	var entries []Entry
	for i := 0; i < 8; i++ {
		entries = append(entries, Entry{
			ID:        fmt.Sprintf("recent-%d", i),
			Timestamp: now.Add(-time.Duration(i) * time.Hour).UnixMilli(),
		})
	}
	entries = append(entries, Entry{ID: "ancient", Timestamp: now.Add(-60 * 24 * time.Hour).UnixMilli()})

	out := Evict(Store{Entries: entries, TotalSize: 42}, now, policy)
	if len(out.Entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(out.Entries))
	}
	cutoff := now.Add(-policy.Retention).UnixMilli()
	for i, e := range out.Entries {
		if e.Timestamp < cutoff {
			t.Fatalf("entry %s older than retention survived", e.ID)
		}
		if e.ID != fmt.Sprintf("recent-%d", i) {
			t.Fatalf("expected newest entries in order, got %s at %d", e.ID, i)
		}
	}
	if out.LastCleanup != now.UnixMilli() || out.TotalSize != 42 {
		t.Fatalf("unexpected bookkeeping %+v", out)
	}
	if len(entries) != 9 {
		t.Fatalf("input slice must not be modified")
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := Policy{MaxEntries: 3}
	store := Store{Entries: []Entry{
		{ID: "a", Timestamp: now.Add(-1 * time.Minute).UnixMilli()},
		{ID: "b", Timestamp: now.Add(-2 * time.Minute).UnixMilli()},
		{ID: "c", Timestamp: now.Add(-2 * time.Minute).UnixMilli()},
		{ID: "d", Timestamp: now.Add(-3 * time.Minute).UnixMilli()},
		{ID: "e", Timestamp: now.Add(-31 * 24 * time.Hour).UnixMilli()},
	}}
	once := Evict(store, now, policy)
	twice := Evict(once, now, policy)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected idempotent eviction:\n once=%+v\ntwice=%+v", once, twice)
	}
}

func TestEvictUnderCapOnlyDropsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := Store{Entries: []Entry{
		{ID: "old", Timestamp: now.Add(-31 * 24 * time.Hour).UnixMilli()},
		{ID: "new", Timestamp: now.UnixMilli()},
	}}
	out := Evict(store, now, DefaultPolicy())
	if len(out.Entries) != 1 || out.Entries[0].ID != "new" {
		t.Fatalf("expected only the fresh entry, got %+v", out.Entries)
	}
}
