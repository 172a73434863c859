package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventConstructors(t *testing.T) {
	start := NewWorkflowStartEvent("run-1", "scrape products")
	assert.Equal(t, EventTypeWorkflowStart, start.Type)
	assert.Equal(t, "run-1", start.RunID)
	assert.Equal(t, "scrape products", start.Message)
	assert.False(t, start.Timestamp.IsZero())

	complete := NewWorkflowCompleteEvent("run-1", true)
	assert.Equal(t, EventTypeWorkflowComplete, complete.Type)
	assert.True(t, complete.Success)

	fail := NewWorkflowErrorEvent("run-1", errors.New("browser crashed"))
	assert.Equal(t, EventTypeWorkflowError, fail.Type)
	assert.Equal(t, "browser crashed", fail.Error)

	nilErr := NewWorkflowErrorEvent("run-1", nil)
	assert.Empty(t, nilErr.Error)

	ready := NewSessionReadyEvent("run-1", "sess-9")
	require.NotNil(t, ready.Metadata)
	assert.Equal(t, "sess-9", ready.Metadata["session_id"])

	stepStart := NewStepStartEvent("run-1", 3, StepKindExtract, "get prices")
	assert.Equal(t, 3, stepStart.StepIndex)
	assert.Equal(t, StepKindExtract, stepStart.StepKind)
	assert.Equal(t, "get prices", stepStart.Instruction)

	stepEnd := NewStepEndEvent("run-1", 3, StepKindExtract, false, "no match")
	assert.False(t, stepEnd.Success)
	assert.Equal(t, "no match", stepEnd.Error)

	iter := NewLoopIterationStartEvent("run-1", 2, map[string]interface{}{"name": "a"})
	assert.Equal(t, 2, iter.Iteration)
	assert.Equal(t, "a", iter.Item["name"])
}

func TestWithMetadataChains(t *testing.T) {
	event := NewLogEvent("run-1", "credential request").
		WithMetadata("requestId", "req-7").
		WithMetadata("reason", "login wall")

	assert.Equal(t, "req-7", event.Metadata["requestId"])
	assert.Equal(t, "login wall", event.Metadata["reason"])
}

func TestEventClassification(t *testing.T) {
	tests := []struct {
		eventType OrchestratorEventType
		step      bool
		loop      bool
		terminal  bool
	}{
		{EventTypeWorkflowStart, false, false, false},
		{EventTypeWorkflowComplete, false, false, true},
		{EventTypeWorkflowError, false, false, false},
		{EventTypeSessionReady, false, false, false},
		{EventTypeStepStart, true, false, false},
		{EventTypeStepEnd, true, false, false},
		{EventTypeStepReasoning, true, false, false},
		{EventTypeLoopIterStart, false, true, false},
		{EventTypeLoopIterEnd, false, true, false},
		{EventTypeLog, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			e := &OrchestratorEvent{Type: tt.eventType}
			assert.Equal(t, tt.step, e.IsStepEvent())
			assert.Equal(t, tt.loop, e.IsLoopEvent())
			assert.Equal(t, tt.terminal, e.IsTerminal())
		})
	}
}
