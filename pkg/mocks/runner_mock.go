package mocks

import (
	"context"

	"github.com/dukex/crucible/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockStepRunner is a mock implementation of runner.StepRunner interface.
type MockStepRunner struct {
	mock.Mock
}

func (m *MockStepRunner) Run(ctx context.Context, step *models.ExecutionStep) (*models.StepResult, error) {
	args := m.Called(ctx, step)

	result, _ := args.Get(0).(*models.StepResult)

	return result, args.Error(1)
}

// MockDispatcher is a mock implementation of engine.Dispatcher interface.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, batch *models.StepBatch) error {
	args := m.Called(ctx, batch)

	return args.Error(0)
}

// MockEngine is a mock implementation of services.Engine interface.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(ctx context.Context, experimentID string) error {
	return m.Called(ctx, experimentID).Error(0)
}

func (m *MockEngine) Resume(ctx context.Context, experimentID string) error {
	return m.Called(ctx, experimentID).Error(0)
}

func (m *MockEngine) ResumeFrom(ctx context.Context, experimentID string, nodeIDs []string) error {
	return m.Called(ctx, experimentID, nodeIDs).Error(0)
}
