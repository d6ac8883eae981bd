package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"attribution/json"

	"go.uber.org/zap"
)

// FileBackend keeps one namespace in a single JSON document on disk
// (<dir>/<namespace>.json). Every write rewrites the whole file through a
// temp file and rename.
type FileBackend struct {
	path   string
	data   map[string]string
	mu     sync.RWMutex
	closed bool
	log    *zap.Logger
}

func OpenFile(dir, namespace string, log *zap.Logger) (*FileBackend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	b := &FileBackend{
		path: filepath.Join(dir, namespace+".json"),
		data: make(map[string]string),
		log:  log,
	}

	if err := b.load(); err != nil {
		if os.IsNotExist(err) {
			if err := b.save(); err != nil {
				return nil, fmt.Errorf("create store file: %w", err)
			}
		} else {
			// A corrupt document reads as empty rather than failing the host.
			b.log.Warn("storage: unreadable store file, starting empty",
				zap.String("path", b.path), zap.Error(err))
			b.data = make(map[string]string)
		}
	}
	return b, nil
}

func (b *FileBackend) load() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return err
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	if data == nil {
		data = make(map[string]string)
	}
	b.data = data
	return nil
}

// save must be called with mu held for writing (or before b is shared).
func (b *FileBackend) save() error {
	raw, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (b *FileBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	v, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (b *FileBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	prev, had := b.data[key]
	b.data[key] = string(value)
	if err := b.save(); err != nil {
		// Rollback on save failure
		if had {
			b.data[key] = prev
		} else {
			delete(b.data, key)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	prev, had := b.data[key]
	if !had {
		return nil
	}
	delete(b.data, key)
	if err := b.save(); err != nil {
		b.data[key] = prev
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
