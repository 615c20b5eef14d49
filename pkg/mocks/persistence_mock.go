// Package mocks provides testify mocks of the persistence and event bus contracts.
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) Create(ctx context.Context, workflow *models.Workflow, tasks []*models.Task) error {
	args := m.Called(ctx, workflow, tasks)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) UpdateState(
	ctx context.Context,
	id string,
	status models.WorkflowStatus,
	report json.RawMessage,
	settled int,
) (bool, error) {
	args := m.Called(ctx, id, status, report, settled)

	return args.Bool(0), args.Error(1)
}

// MockTaskRepository is a mock implementation of persistence.TaskRepository.
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *MockTaskRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *MockTaskRepository) FindReady(ctx context.Context, limit int) ([]*models.Task, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *MockTaskRepository) FindStale(ctx context.Context, startedBefore time.Time) ([]*models.Task, error) {
	args := m.Called(ctx, startedBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *MockTaskRepository) Claim(ctx context.Context, id string, progress string) (bool, error) {
	args := m.Called(ctx, id, progress)

	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) Complete(ctx context.Context, id string, result *models.Result) (bool, error) {
	args := m.Called(ctx, id, result)

	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) Fail(ctx context.Context, id string, from models.TaskStatus, reason string) (bool, error) {
	args := m.Called(ctx, id, from, reason)

	return args.Bool(0), args.Error(1)
}

// MockResultRepository is a mock implementation of persistence.ResultRepository.
type MockResultRepository struct {
	mock.Mock
}

func (m *MockResultRepository) GetByID(ctx context.Context, id string) (*models.Result, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Result), args.Error(1)
}

func (m *MockResultRepository) GetByTask(ctx context.Context, taskID string) (*models.Result, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Result), args.Error(1)
}

// MockPersistence bundles the repository mocks behind persistence.Persistence.
type MockPersistence struct {
	mock.Mock

	Workflows *MockWorkflowRepository
	Tasks     *MockTaskRepository
	Results   *MockResultRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Workflows: &MockWorkflowRepository{},
		Tasks:     &MockTaskRepository{},
		Results:   &MockResultRepository{},
	}
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	return m.Workflows
}

func (m *MockPersistence) TaskRepository() persistence.TaskRepository {
	return m.Tasks
}

func (m *MockPersistence) ResultRepository() persistence.ResultRepository {
	return m.Results
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
