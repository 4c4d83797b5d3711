package kvstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueClosed    = errors.New("queue closed")
)

// StateBackend persists one opaque blob per key. Load returns (nil, nil)
// when the key has never been written.
type StateBackend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// UsageReporter reports the persisted size of a key in bytes.
type UsageReporter interface {
	BytesInUse(ctx context.Context, key string) (int64, error)
}

// Watcher reports keys changed by another process.
type Watcher interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

type stateBackendCloser interface {
	Close() error
}

// Logger is satisfied by *log.Logger and by zap's std logger bridge.
type Logger interface {
	Printf(format string, args ...any)
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !validKey.MatchString(key) {
		return "", ErrInvalidInput
	}
	return key, nil
}

// CloseBackend closes backends that hold connections. Others are left alone.
func CloseBackend(b StateBackend) error {
	if closer, ok := b.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

type InMemoryStateBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{blobs: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(_ context.Context, key string) ([]byte, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *InMemoryStateBackend) Save(_ context.Context, key string, data []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *InMemoryStateBackend) BytesInUse(_ context.Context, key string) (int64, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.blobs[key])), nil
}
