// Package runner executes the steps of a dispatched batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/crucible/pkg/models"
)

const (
	DefaultAgentTimeout = 5 * time.Minute
	DefaultCrewTimeout  = 30 * time.Minute
)

var ErrNoRunner = errors.New("no runner registered for node type")

// StepRunner runs one step. Any returned error marks the step failed.
type StepRunner interface {
	Run(ctx context.Context, step *models.ExecutionStep) (*models.StepResult, error)
}

type registration struct {
	runner  StepRunner
	timeout time.Duration
}

// Registry maps node types to their runner and wall-clock ceiling.
type Registry struct {
	runners map[models.NodeType]registration
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[models.NodeType]registration)}
}

// Register sets the runner for a node type. A non-positive timeout falls back
// to the type's default ceiling.
func (r *Registry) Register(nodeType models.NodeType, runner StepRunner, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout(nodeType)
	}

	r.runners[nodeType] = registration{runner: runner, timeout: timeout}
}

func (r *Registry) Runner(nodeType models.NodeType) (StepRunner, time.Duration, error) {
	reg, ok := r.runners[nodeType]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoRunner, nodeType)
	}

	return reg.runner, reg.timeout, nil
}

// MaxTimeout is the largest ceiling of any registered runner.
func (r *Registry) MaxTimeout() time.Duration {
	var longest time.Duration

	for _, reg := range r.runners {
		longest = max(longest, reg.timeout)
	}

	return longest
}

func DefaultTimeout(nodeType models.NodeType) time.Duration {
	if nodeType == models.NodeTypeCrew {
		return DefaultCrewTimeout
	}

	return DefaultAgentTimeout
}
