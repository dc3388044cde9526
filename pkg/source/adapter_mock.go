package source

import (
	"context"
	"sync"
)

// MockAdapter is a mock implementation of Adapter for testing
type MockAdapter struct {
	mu sync.Mutex

	SourceName string

	// Control behavior
	FetchFunc func(ctx context.Context, q Query) ([]Record, Metadata, error)

	// Track calls for assertions
	FetchCalls []Query
}

// NewMockAdapter creates a mock adapter registered under name that returns no records
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		SourceName: name,
		FetchCalls: make([]Query, 0),
	}
}

// Name implements Adapter
func (m *MockAdapter) Name() string {
	return m.SourceName
}

// Fetch implements Adapter
func (m *MockAdapter) Fetch(ctx context.Context, q Query) ([]Record, Metadata, error) {
	m.mu.Lock()
	m.FetchCalls = append(m.FetchCalls, q)
	fn := m.FetchFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, q)
	}

	return nil, Metadata{Success: true, APICalls: 1}, nil
}

// Calls returns a copy of the recorded queries
func (m *MockAdapter) Calls() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Query(nil), m.FetchCalls...)
}

var _ Adapter = (*MockAdapter)(nil)
