package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/crucible/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_GetType(t *testing.T) {
	assert.Equal(t, ExperimentTransitionedEvent, ExperimentTransitioned{}.GetType())
	assert.Equal(t, StepBatchDispatchedEvent, StepBatchDispatched{}.GetType())
	assert.Equal(t, StepBatchCompletedEvent, StepBatchCompleted{}.GetType())
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, StepBatchTopic, TopicFor(StepBatchDispatchedEvent))
	assert.Equal(t, StepBatchTopic, TopicFor(StepBatchCompletedEvent))
	assert.Equal(t, ExperimentTopic, TopicFor(ExperimentTransitionedEvent))
}

func TestNewBaseEvent(t *testing.T) {
	event := NewBaseEvent(StepBatchCompletedEvent, "exp-1")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, StepBatchCompletedEvent, event.Type)
	assert.Equal(t, "exp-1", event.ExperimentID)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotNil(t, event.Metadata)
}

func TestStepBatchCompleted_WireFormat(t *testing.T) {
	original := &StepBatchCompleted{
		BaseEvent: NewBaseEvent(StepBatchCompletedEvent, "exp-1"),
		Batch: &models.StepBatch{
			ID:           "batch-1",
			ExperimentID: "exp-1",
			Members:      []string{"research", "draft"},
			StepIDs:      []string{"s1", "s2"},
		},
		Failed: 1,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"step_batch.completed"`)
	assert.Contains(t, string(data), `"experiment_id":"exp-1"`)
	assert.Contains(t, string(data), `"members":["research","draft"]`)

	var decoded StepBatchCompleted
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Batch.StepIDs, decoded.Batch.StepIDs)
	assert.Equal(t, 1, decoded.Failed)
}
