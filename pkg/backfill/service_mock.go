package backfill

import (
	"context"
	"sync"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// MockService is a mock implementation of Service for testing
type MockService struct {
	mu sync.Mutex

	// Control behavior
	CreateFunc      func(ctx context.Context, spec JobSpec) (*store.Job, error)
	PreviewFunc     func(ctx context.Context, spec JobSpec) (*Preview, error)
	StartFunc       func(ctx context.Context, jobID string) (*store.Job, error)
	GetFunc         func(ctx context.Context, jobID string, withQueueState bool) (*JobDetail, error)
	ListFunc        func(ctx context.Context, filter store.JobFilter) ([]*store.Job, int, error)
	CancelFunc      func(ctx context.Context, jobID string) (*store.Job, error)
	RetryFailedFunc func(ctx context.Context, jobID string, taskIDs []string) (int, error)
	ResetStuckFunc  func(ctx context.Context, jobID string) (*ResetResult, error)
	DeleteFunc      func(ctx context.Context, jobID string) error
	MonitorFunc     func(ctx context.Context, jobID string) (*MonitorResult, error)
	ExecuteFunc     func(ctx context.Context, taskID string) (*ExecuteResult, error)
	RunSyncFunc     func(ctx context.Context, jobID string) (*store.Job, error)

	// Track calls for assertions
	ExecuteCalls []string
	MonitorCalls []string
}

// NewMockService creates a new mock backfill service
func NewMockService() *MockService {
	return &MockService{
		ExecuteCalls: make([]string, 0),
		MonitorCalls: make([]string, 0),
	}
}

// Create implements Service
func (m *MockService) Create(ctx context.Context, spec JobSpec) (*store.Job, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, spec)
	}

	return &store.Job{}, nil
}

// Preview implements Service
func (m *MockService) Preview(ctx context.Context, spec JobSpec) (*Preview, error) {
	if m.PreviewFunc != nil {
		return m.PreviewFunc(ctx, spec)
	}

	return &Preview{}, nil
}

// Start implements Service
func (m *MockService) Start(ctx context.Context, jobID string) (*store.Job, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, jobID)
	}

	return &store.Job{ID: jobID, Status: store.JobInProgress}, nil
}

// Get implements Service
func (m *MockService) Get(ctx context.Context, jobID string, withQueueState bool) (*JobDetail, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, jobID, withQueueState)
	}

	return &JobDetail{Job: &store.Job{ID: jobID}}, nil
}

// List implements Service
func (m *MockService) List(ctx context.Context, filter store.JobFilter) ([]*store.Job, int, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}

	return nil, 0, nil
}

// Cancel implements Service
func (m *MockService) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, jobID)
	}

	return &store.Job{ID: jobID, Status: store.JobFailed}, nil
}

// RetryFailed implements Service
func (m *MockService) RetryFailed(ctx context.Context, jobID string, taskIDs []string) (int, error) {
	if m.RetryFailedFunc != nil {
		return m.RetryFailedFunc(ctx, jobID, taskIDs)
	}

	return 0, nil
}

// ResetStuck implements Service
func (m *MockService) ResetStuck(ctx context.Context, jobID string) (*ResetResult, error) {
	if m.ResetStuckFunc != nil {
		return m.ResetStuckFunc(ctx, jobID)
	}

	return &ResetResult{Job: &store.Job{ID: jobID}}, nil
}

// Delete implements Service
func (m *MockService) Delete(ctx context.Context, jobID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, jobID)
	}

	return nil
}

// Monitor implements Service
func (m *MockService) Monitor(ctx context.Context, jobID string) (*MonitorResult, error) {
	m.mu.Lock()
	m.MonitorCalls = append(m.MonitorCalls, jobID)
	m.mu.Unlock()

	if m.MonitorFunc != nil {
		return m.MonitorFunc(ctx, jobID)
	}

	return &MonitorResult{Done: true, Status: store.JobCompleted}, nil
}

// Execute implements Service
func (m *MockService) Execute(ctx context.Context, taskID string) (*ExecuteResult, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, taskID)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, taskID)
	}

	return &ExecuteResult{TaskID: taskID, Outcome: OutcomeCompleted}, nil
}

// RunSync implements Service
func (m *MockService) RunSync(ctx context.Context, jobID string) (*store.Job, error) {
	if m.RunSyncFunc != nil {
		return m.RunSyncFunc(ctx, jobID)
	}

	return &store.Job{ID: jobID, Status: store.JobCompleted}, nil
}

// Calls returns a copy of the task ids Execute was called with
func (m *MockService) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.ExecuteCalls...)
}

var _ Service = (*MockService)(nil)
