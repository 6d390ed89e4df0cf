package catalog

import "context"

// MockDiscoverer is a test double for the Discoverer interface.
type MockDiscoverer struct {
	ConnectErr  error
	Items       []WorkItem
	DiscoverErr error
	// SourceCount overrides the Count result when non-negative.
	SourceCount int
	CountErr    error

	Connected     bool
	Closed        bool
	DiscoverCalls int
}

// NewMockDiscoverer returns a mock whose Count matches its item list.
func NewMockDiscoverer(items []WorkItem) *MockDiscoverer {
	return &MockDiscoverer{Items: items, SourceCount: -1}
}

func (m *MockDiscoverer) Connect(_ context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.Connected = true
	return nil
}

func (m *MockDiscoverer) Discover(_ context.Context) ([]WorkItem, error) {
	m.DiscoverCalls++
	if m.DiscoverErr != nil {
		return nil, m.DiscoverErr
	}
	out := make([]WorkItem, len(m.Items))
	copy(out, m.Items)
	return out, nil
}

func (m *MockDiscoverer) Count(_ context.Context) (int, error) {
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	if m.SourceCount >= 0 {
		return m.SourceCount, nil
	}
	return len(m.Items), nil
}

func (m *MockDiscoverer) Close() error {
	m.Closed = true
	return nil
}
