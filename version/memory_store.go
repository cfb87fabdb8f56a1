package version

import (
	"context"
	"sync"
)

type MemoryStoreOptions struct {
	Version string `cfg:"version"`
}

// MemoryStore 进程内的版本记录，用于测试和只生成文本的场景
type MemoryStore struct {
	mu      sync.RWMutex
	version string
	exists  bool
}

func NewMemoryStoreWithOptions(options *MemoryStoreOptions) *MemoryStore {
	s := &MemoryStore{}
	if options != nil && options.Version != "" {
		s.version = options.Version
		s.exists = true
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.exists, nil
}

func (s *MemoryStore) Set(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.exists = true
	return nil
}
