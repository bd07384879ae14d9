package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ScreenshotStore keeps screenshots in memory and returns pseudo URIs.
type ScreenshotStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewScreenshotStore creates an empty store.
func NewScreenshotStore() *ScreenshotStore {
	return &ScreenshotStore{data: make(map[string][]byte)}
}

// SaveScreenshot stores a copy of data under name.
func (s *ScreenshotStore) SaveScreenshot(_ context.Context, name string, data []byte) (string, error) {
	if name == "" {
		return "", errors.New("screenshot name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", name), nil
}

// Screenshot returns the bytes stored under name.
func (s *ScreenshotStore) Screenshot(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	return data, ok
}

// Names lists stored screenshot names in sorted order.
func (s *ScreenshotStore) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
