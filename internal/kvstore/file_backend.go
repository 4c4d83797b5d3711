package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const fileBackendExt = ".json"

// JSONFileStateBackend stores each key as <dir>/<key>.json. Writes go
// through a temp file and rename under an advisory lock so two processes
// sharing the directory never interleave partial blobs.
type JSONFileStateBackend struct {
	Dir string

	mu          sync.Mutex
	lastWritten map[string]string
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{
		Dir:         strings.TrimSpace(dir),
		lastWritten: map[string]string{},
	}
}

func (b *JSONFileStateBackend) path(key string) (string, error) {
	if b == nil || b.Dir == "" {
		return "", ErrInvalidInput
	}
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.Dir, key+fileBackendExt), nil
}

func (b *JSONFileStateBackend) Load(_ context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileStateBackend) Save(_ context.Context, key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	b.mu.Lock()
	b.lastWritten[strings.TrimSuffix(filepath.Base(path), fileBackendExt)] = hashBytes(data)
	b.mu.Unlock()
	return nil
}

func (b *JSONFileStateBackend) BytesInUse(_ context.Context, key string) (int64, error) {
	path, err := b.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Watch blocks until ctx is done, calling onChange for every key whose file
// was rewritten by someone other than this backend.
func (b *JSONFileStateBackend) Watch(ctx context.Context, onChange func(key string)) error {
	if b == nil || b.Dir == "" || onChange == nil {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(b.Dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, fileBackendExt) {
				continue
			}
			key := strings.TrimSuffix(name, fileBackendExt)
			if b.isOwnWrite(key) {
				continue
			}
			onChange(key)
		}
	}
}

func (b *JSONFileStateBackend) isOwnWrite(key string) bool {
	path, err := b.path(key)
	if err != nil {
		return true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWritten[key] == hashBytes(data)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
