package models

var terminalStatuses = map[ExperimentStatus]bool{
	ExperimentStatusCompleted: true,
	ExperimentStatusKilled:    true,
	ExperimentStatusDiscarded: true,
	ExperimentStatusExpired:   true,
}

var pausableStatuses = map[ExperimentStatus]bool{
	ExperimentStatusScoring:           true,
	ExperimentStatusPlanning:          true,
	ExperimentStatusBuilding:          true,
	ExperimentStatusExecuting:         true,
	ExperimentStatusCollectingMetrics: true,
	ExperimentStatusEvaluating:        true,
	ExperimentStatusIterating:         true,
}

// retryTargets maps each failure state to the working state a retry returns to.
var retryTargets = map[ExperimentStatus]ExperimentStatus{
	ExperimentStatusScoringFailed:   ExperimentStatusScoring,
	ExperimentStatusPlanningFailed:  ExperimentStatusPlanning,
	ExperimentStatusBuildingFailed:  ExperimentStatusBuilding,
	ExperimentStatusExecutionFailed: ExperimentStatusExecuting,
}

// IsTerminal reports whether no transition may leave s.
func (s ExperimentStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsPausable reports whether an experiment in s may be paused.
func (s ExperimentStatus) IsPausable() bool {
	return pausableStatuses[s]
}

// IsWorkingState reports whether s is a state in which work is being done.
// Working states are exactly the pausable ones.
func (s ExperimentStatus) IsWorkingState() bool {
	return pausableStatuses[s]
}

// IsFailure reports whether s is one of the *_failed states.
func (s ExperimentStatus) IsFailure() bool {
	_, ok := retryTargets[s]

	return ok
}

// RetryTarget returns the working state a retry from s returns to.
func (s ExperimentStatus) RetryTarget() (ExperimentStatus, bool) {
	target, ok := retryTargets[s]

	return target, ok
}

// transitions is the static table of forward moves. Pause, resume and kill
// are layered on top of it by CanTransition.
var transitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentStatusDraft:             {ExperimentStatusSignalDetected, ExperimentStatusScoring, ExperimentStatusDiscarded},
	ExperimentStatusSignalDetected:    {ExperimentStatusScoring, ExperimentStatusDiscarded},
	ExperimentStatusScoring:           {ExperimentStatusPlanning, ExperimentStatusScoringFailed, ExperimentStatusDiscarded},
	ExperimentStatusScoringFailed:     {ExperimentStatusScoring, ExperimentStatusDiscarded},
	ExperimentStatusPlanning:          {ExperimentStatusBuilding, ExperimentStatusPlanningFailed},
	ExperimentStatusPlanningFailed:    {ExperimentStatusPlanning, ExperimentStatusDiscarded},
	ExperimentStatusBuilding:          {ExperimentStatusAwaitingApproval, ExperimentStatusExecuting, ExperimentStatusBuildingFailed},
	ExperimentStatusBuildingFailed:    {ExperimentStatusBuilding, ExperimentStatusDiscarded},
	ExperimentStatusAwaitingApproval:  {ExperimentStatusApproved, ExperimentStatusRejected, ExperimentStatusExpired},
	ExperimentStatusApproved:          {ExperimentStatusExecuting},
	ExperimentStatusRejected:          {ExperimentStatusPlanning, ExperimentStatusDiscarded},
	ExperimentStatusExecuting:         {ExperimentStatusCollectingMetrics, ExperimentStatusExecutionFailed},
	ExperimentStatusExecutionFailed:   {ExperimentStatusExecuting, ExperimentStatusDiscarded},
	ExperimentStatusCollectingMetrics: {ExperimentStatusEvaluating},
	ExperimentStatusEvaluating:        {ExperimentStatusIterating, ExperimentStatusCompleted},
	ExperimentStatusIterating:         {ExperimentStatusPlanning, ExperimentStatusCompleted},
}

// CanTransition reports whether the table allows moving from s to to.
// pausedFrom is only consulted when s is paused: a paused experiment may
// resume to the state it was paused from or be killed.
func (s ExperimentStatus) CanTransition(to ExperimentStatus, pausedFrom *ExperimentStatus) bool {
	if s.IsTerminal() || s == to {
		return false
	}

	if to == ExperimentStatusKilled {
		return true
	}

	if s == ExperimentStatusPaused {
		return pausedFrom != nil && *pausedFrom == to
	}

	if to == ExperimentStatusPaused {
		return s.IsPausable()
	}

	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}

	return false
}

// StageExitStatus is the status a working stage is closed with when the
// experiment moves to to.
func StageExitStatus(to ExperimentStatus) StageStatus {
	switch {
	case to.IsFailure():
		return StageStatusFailed
	case to == ExperimentStatusKilled || to == ExperimentStatusDiscarded || to == ExperimentStatusExpired:
		return StageStatusSkipped
	default:
		return StageStatusCompleted
	}
}
