package lifecycle

import (
	"errors"
	"fmt"

	"github.com/dukex/crucible/pkg/models"
)

var (
	// ErrInvalidTransition is returned when the (from, to) pair is not in the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPrerequisite is returned when the target state's domain rules are not met.
	ErrPrerequisite = errors.New("prerequisite not met")
)

// TransitionError names the rejected pair.
type TransitionError struct {
	From models.ExperimentStatus
	To   models.ExperimentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PrerequisiteError explains why the experiment may not enter To.
type PrerequisiteError struct {
	To     models.ExperimentStatus
	Reason string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("cannot move to %s: %s", e.To, e.Reason)
}

func (e *PrerequisiteError) Unwrap() error {
	return ErrPrerequisite
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsPrerequisiteError(err error) bool {
	return errors.Is(err, ErrPrerequisite)
}
