package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_EmptyCombinatorSurvivesStorage(t *testing.T) {
	cond, err := ParseCondition(map[string]any{"any": []any{}})
	require.NoError(t, err)
	require.NotNil(t, cond.Any)
	assert.False(t, cond.IsEmpty())

	data, err := json.Marshal(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"any":[]}`, string(data))

	var decoded Condition
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotNil(t, decoded.Any)
	assert.False(t, decoded.IsEmpty())
}

func TestCondition_MarshalLeafOmitsCombinators(t *testing.T) {
	cond := &Condition{
		All: []*Condition{{Field: "score", Operator: OpGreaterThan, Value: 0.5}},
	}

	data, err := json.Marshal(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"all":[{"field":"score","operator":">","value":0.5}]}`, string(data))
	assert.True(t, (&Condition{}).IsEmpty())
	assert.Nil(t, cond.Clone().Any)
}
