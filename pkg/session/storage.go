package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Storage is the persistence capability injected into the Store. It mirrors
// the get/set surface of browser-style key-value storage so the session
// logic stays testable without a real backing store.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key string, value string) error
}

// FileStorage keeps one small file per key under a state directory.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file storage: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "file storage: create state directory")
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStorage) Get(key string) (string, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "file storage: read %s", key)
	}
	return strings.TrimSpace(string(b)), true, nil
}

func (s *FileStorage) Set(key string, value string) error {
	if err := os.WriteFile(s.path(key), []byte(value+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "file storage: write %s", key)
	}
	return nil
}

// MemoryStorage is the in-process fallback used when durable storage is
// unavailable, and the default for tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]string{}}
}

func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStorage) Set(key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
