// Package events defines the messages exchanged between the engine, workers and listeners.
package events

import (
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const ExperimentTopic = "crucible.experiments"   // Lifecycle transitions
const StepBatchTopic = "crucible.step_batches" // Batch dispatch and completion

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExperimentTransitionedEvent EventType = "experiment.transitioned"

	StepBatchDispatchedEvent EventType = "step_batch.dispatched"
	StepBatchCompletedEvent  EventType = "step_batch.completed"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case StepBatchDispatchedEvent, StepBatchCompletedEvent:
		return StepBatchTopic
	default:
		return ExperimentTopic
	}
}

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	ExperimentID string         `json:"experiment_id"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ExperimentTransitioned is emitted after every committed lifecycle transition.
type ExperimentTransitioned struct {
	BaseEvent

	FromState models.ExperimentStatus `json:"from_state"`
	ToState   models.ExperimentStatus `json:"to_state"`
	Reason    string                  `json:"reason"`
	ActorID   string                  `json:"actor_id"`
}

func (e ExperimentTransitioned) GetType() EventType {
	return ExperimentTransitionedEvent
}

// StepBatchDispatched asks a worker to run every step of the batch.
type StepBatchDispatched struct {
	BaseEvent

	Batch *models.StepBatch `json:"batch"`
}

func (e StepBatchDispatched) GetType() EventType {
	return StepBatchDispatchedEvent
}

// StepBatchCompleted reports that every member of a batch reached a terminal status.
type StepBatchCompleted struct {
	BaseEvent

	Batch  *models.StepBatch `json:"batch"`
	Failed int               `json:"failed"`
}

func (e StepBatchCompleted) GetType() EventType {
	return StepBatchCompletedEvent
}

func NewBaseEvent(eventType EventType, experimentID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ExperimentID: experimentID,
		Metadata:     make(map[string]any),
	}
}
