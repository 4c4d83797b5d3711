package workup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
)

const DefaultKey = "tavi_workups"

var (
	ErrNotFound = errors.New("workup not found")
	// ErrUnchanged returned from an update func leaves the record as is.
	ErrUnchanged = errors.New("workup unchanged")
)

// State is the persisted blob holding every local record.
type State struct {
	Records map[string]Record `json:"records"`
}

func emptyState() State {
	return State{Records: map[string]Record{}}
}

type UpdateOptions struct {
	ClearSyncError bool
	ClearConflict  bool
	// FromRemote marks field changes pulled from the remote side; they do
	// not count as local edits.
	FromRemote bool
}

type Options struct {
	Key      string
	Queue    *kvstore.SerialQueue
	CacheTTL time.Duration
	Quota    int64
	Logger   kvstore.Logger
	Now      func() time.Time
}

type Store struct {
	coll   *kvstore.Collection[State]
	logger kvstore.Logger
	now    func() time.Time
}

func NewStore(backend kvstore.StateBackend, opts Options) (*Store, error) {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	coll, err := kvstore.NewCollection(kvstore.CollectionOptions[State]{
		Key:      key,
		Backend:  backend,
		Queue:    opts.Queue,
		CacheTTL: opts.CacheTTL,
		Quota:    opts.Quota,
		Empty:    emptyState,
		Logger:   opts.Logger,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, logger: opts.Logger, now: now}, nil
}

func (s *Store) Collection() *kvstore.Collection[State] {
	return s.coll
}

func (s *Store) Close() {
	s.coll.Close()
}

func (s *Store) Subscribe(fn func(kvstore.Change)) func() {
	return s.coll.Subscribe(fn)
}

// Create adds a local record. It is dirty until its first push.
func (s *Store) Create(ctx context.Context, fields Fields) (Record, error) {
	now := s.now()
	record := Record{
		ID:                   uuid.NewString(),
		Fields:               fields.Normalize(),
		StructuredSections:   map[string]Section{},
		CreatedAt:            now,
		LastUpdatedAt:        now,
		LocalFieldsUpdatedAt: now,
	}
	_, err := s.coll.Update(ctx, func(state State) (State, error) {
		state = ensureState(state)
		state.Records[record.ID] = record
		return state, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("create workup: %w", err)
	}
	return record, nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	state, err := s.coll.Read(ctx)
	if err != nil {
		return Record{}, err
	}
	record, ok := state.Records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// List returns every record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	state, err := s.coll.Read(ctx)
	if err != nil {
		return []Record{}, err
	}
	out := make([]Record, 0, len(state.Records))
	for _, r := range state.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdatedAt.Equal(out[j].LastUpdatedAt) {
			return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes the local copy only. The remote page is left alone.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(state State) (State, error) {
		state = ensureState(state)
		if _, ok := state.Records[id]; !ok {
			return state, ErrNotFound
		}
		delete(state.Records, id)
		return state, nil
	})
	return err
}

// Update is the single entry point for changing a record. fn receives the
// current record and returns the next one; the store then stamps
// LastUpdatedAt, recomputes completion, bumps LocalFieldsUpdatedAt when a
// synchronizable field changed locally and applies the clear flags.
func (s *Store) Update(ctx context.Context, id string, fn func(Record) (Record, error), opts UpdateOptions) (Record, error) {
	if fn == nil {
		return Record{}, kvstore.ErrInvalidInput
	}
	var out Record
	_, err := s.coll.Update(ctx, func(state State) (State, error) {
		state = ensureState(state)
		prev, ok := state.Records[id]
		if !ok {
			return state, ErrNotFound
		}
		next, err := fn(prev)
		if errors.Is(err, ErrUnchanged) {
			out = prev
			return state, kvstore.ErrSkipWrite
		}
		if err != nil {
			return state, err
		}
		next = s.finalize(prev, next, opts)
		state.Records[id] = next
		out = next
		return state, nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *Store) finalize(prev, next Record, opts UpdateOptions) Record {
	now := s.now()
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.LastUpdatedAt = now
	if next.StructuredSections == nil {
		next.StructuredSections = map[string]Section{}
	}
	next.CompletionPercentage = CompletionPercentage(next.StructuredSections)
	if !opts.FromRemote && len(DiffFields(prev.Fields, next.Fields)) > 0 {
		next.LocalFieldsUpdatedAt = now
	}
	if opts.ClearSyncError {
		next.SyncError = ""
	}
	if opts.ClearConflict {
		next.SyncConflict = nil
	}
	return next
}

// EditFields applies a partial field edit from the operator and clears any
// sticky error so the next pass retries.
func (s *Store) EditFields(ctx context.Context, id string, values FieldValues) (Record, error) {
	for name := range values {
		if !IsSyncField(name) {
			return Record{}, fmt.Errorf("%w: unknown field %q", kvstore.ErrInvalidInput, name)
		}
	}
	return s.Update(ctx, id, func(r Record) (Record, error) {
		r.Fields = ApplyValues(r.Fields, values).Normalize()
		return r, nil
	}, UpdateOptions{ClearSyncError: true})
}

// SetSection replaces one structured section. Section edits never make the
// record dirty for sync.
func (s *Store) SetSection(ctx context.Context, id, key string, section Section) (Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Record{}, fmt.Errorf("%w: section key is required", kvstore.ErrInvalidInput)
	}
	return s.Update(ctx, id, func(r Record) (Record, error) {
		if section.UpdatedAt.IsZero() {
			section.UpdatedAt = s.now()
		}
		r.StructuredSections = cloneSections(r.StructuredSections)
		r.StructuredSections[key] = section
		return r, nil
	}, UpdateOptions{})
}

// ApplyReport stores agent output on the record without inspecting it.
func (s *Store) ApplyReport(ctx context.Context, id string, report Report) (Record, error) {
	return s.Update(ctx, id, func(r Record) (Record, error) {
		now := s.now()
		r.StructuredSections = cloneSections(r.StructuredSections)
		for key, section := range report.StructuredSections {
			if section.UpdatedAt.IsZero() {
				section.UpdatedAt = now
			}
			r.StructuredSections[key] = section
		}
		if len(report.ExtractedData) > 0 {
			r.ExtractedData = report.ExtractedData
		}
		if len(report.Validation) > 0 {
			r.Validation = report.Validation
		}
		return r, nil
	}, UpdateOptions{})
}

// ImportRemote adopts a remote row as a new, already synced local record.
// It reports false when a local record already tracks that remote id.
func (s *Store) ImportRemote(ctx context.Context, remote RemoteRecord) (Record, bool, error) {
	if strings.TrimSpace(remote.ID) == "" {
		return Record{}, false, fmt.Errorf("%w: remote id is required", kvstore.ErrInvalidInput)
	}
	var (
		out     Record
		created bool
	)
	_, err := s.coll.Update(ctx, func(state State) (State, error) {
		state = ensureState(state)
		for _, r := range state.Records {
			if r.RemoteID == remote.ID {
				out = r
				return state, kvstore.ErrSkipWrite
			}
		}
		now := s.now()
		record := Record{
			ID:                 uuid.NewString(),
			Fields:             remote.Fields.Normalize(),
			StructuredSections: map[string]Section{},
			RemoteID:           remote.ID,
			RemoteURL:          remote.URL,
			CreatedAt:          now,
			LastUpdatedAt:      now,
			LastSyncedAt:       now,
			RemoteLastEditedAt: remote.LastEditedAt,
		}
		state.Records[record.ID] = record
		out = record
		created = true
		return state, nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("import workup: %w", err)
	}
	return out, created, nil
}

func ensureState(state State) State {
	if state.Records == nil {
		state.Records = map[string]Record{}
	}
	return state
}

func cloneSections(in map[string]Section) map[string]Section {
	out := make(map[string]Section, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
