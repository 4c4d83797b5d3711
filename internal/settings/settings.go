package settings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
)

const DefaultKey = "operator_settings"

// KeyAutoSync pauses the background sync loop when false. Interval and
// retention stay in the daemon config.
const KeyAutoSync = "autoSync"

// Defaults are the values every key falls back to when nothing is stored.
func Defaults() map[string]any {
	return map[string]any{
		KeyAutoSync:             true,
		"asrCorrectionsEnabled": true,
		"theme":                 "system",
	}
}

type Options struct {
	Key      string
	Queue    *kvstore.SerialQueue
	CacheTTL time.Duration
	Defaults map[string]any
	Logger   kvstore.Logger
}

// Store keeps operator preferences as a free-form object merged over
// defaults.
type Store struct {
	coll     *kvstore.Collection[map[string]any]
	defaults map[string]any
}

func New(backend kvstore.StateBackend, opts Options) (*Store, error) {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	defaults := opts.Defaults
	if defaults == nil {
		defaults = Defaults()
	}
	coll, err := kvstore.NewCollection(kvstore.CollectionOptions[map[string]any]{
		Key:      key,
		Backend:  backend,
		Queue:    opts.Queue,
		CacheTTL: opts.CacheTTL,
		Empty:    func() map[string]any { return map[string]any{} },
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, defaults: clone(defaults)}, nil
}

func (s *Store) Collection() *kvstore.Collection[map[string]any] {
	return s.coll
}

func (s *Store) Close() {
	s.coll.Close()
}

// Get returns stored values over defaults. A failed read yields the
// defaults alone.
func (s *Store) Get(ctx context.Context) map[string]any {
	stored, err := s.coll.Read(ctx)
	if err != nil {
		return clone(s.defaults)
	}
	return merge(s.defaults, stored)
}

// Bool reads one boolean setting. Missing or non-boolean values fall back
// to the default, then to false.
func (s *Store) Bool(ctx context.Context, key string) bool {
	if v, ok := s.Get(ctx)[key].(bool); ok {
		return v
	}
	v, _ := s.defaults[key].(bool)
	return v
}

// Patch merges values into the stored object. A nil value removes the key
// so it falls back to its default.
func (s *Store) Patch(ctx context.Context, values map[string]any) (map[string]any, error) {
	for key := range values {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: setting name is required", kvstore.ErrInvalidInput)
		}
	}
	stored, err := s.coll.Update(ctx, func(current map[string]any) (map[string]any, error) {
		if current == nil {
			current = map[string]any{}
		}
		for key, value := range values {
			if value == nil {
				delete(current, key)
				continue
			}
			current[key] = value
		}
		return current, nil
	})
	if err != nil {
		return nil, fmt.Errorf("patch settings: %w", err)
	}
	return merge(s.defaults, stored), nil
}

// Reset drops every stored value.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.coll.Write(ctx, map[string]any{}); err != nil {
		return fmt.Errorf("reset settings: %w", err)
	}
	return nil
}

func merge(base, over map[string]any) map[string]any {
	out := clone(base)
	for k, v := range over {
		out[k] = v
	}
	return out
}

func clone(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
