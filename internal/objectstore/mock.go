package objectstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store for testing.
type MockStore struct {
	// FailTimes makes PutFile fail this many times for a key before it
	// succeeds.
	FailTimes map[string]int
	ListErr   error

	mu      sync.Mutex
	objects map[string]int64
	content map[string][]byte
	puts    map[string]int
	gets    map[string]int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		FailTimes: make(map[string]int),
		objects:   make(map[string]int64),
		content:   make(map[string][]byte),
		puts:      make(map[string]int),
		gets:      make(map[string]int),
	}
}

// Set stores an object of the given size.
func (m *MockStore) Set(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = size
}

// List implements Store.
func (m *MockStore) List(_ context.Context, prefix string) ([]Object, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for k, size := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PutFile implements Store.
func (m *MockStore) PutFile(_ context.Context, key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[key]++
	if m.puts[key] <= m.FailTimes[key] {
		return fmt.Errorf("mock put failure %d for %s", m.puts[key], key)
	}
	m.objects[key] = int64(len(data))
	m.content[key] = data
	return nil
}

// GetFile implements Store. Objects created with Set have no content.
func (m *MockStore) GetFile(_ context.Context, key, localPath string) error {
	m.mu.Lock()
	m.gets[key]++
	data, ok := m.content[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock object %s has no content", key)
	}
	return os.WriteFile(localPath, data, 0o644)
}

// Gets returns the number of GetFile calls for key.
func (m *MockStore) Gets(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[key]
}

// Puts returns the number of PutFile calls for key.
func (m *MockStore) Puts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}
