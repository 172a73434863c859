package types

import "time"

// OrchestratorEventType defines the type of event emitted during a run.
type OrchestratorEventType string

const (
	EventTypeWorkflowStart    OrchestratorEventType = "workflow:start"    // EventTypeWorkflowStart indicates a run has begun.
	EventTypeWorkflowComplete OrchestratorEventType = "workflow:complete" // EventTypeWorkflowComplete indicates a run has finished, success or not. Fires exactly once per run.
	EventTypeWorkflowError    OrchestratorEventType = "workflow:error"    // EventTypeWorkflowError indicates a run-fatal error outside any step executor.
	EventTypeSessionReady     OrchestratorEventType = "session:ready"     // EventTypeSessionReady indicates the browser session is acquired and initialized.
	EventTypeStepStart        OrchestratorEventType = "step:start"        // EventTypeStepStart indicates a step executor is about to run.
	EventTypeStepEnd          OrchestratorEventType = "step:end"          // EventTypeStepEnd carries the step's success/failure outcome.
	EventTypeStepReasoning    OrchestratorEventType = "step:reasoning"    // EventTypeStepReasoning carries intermediate agent reasoning for a step.
	EventTypeLoopIterStart    OrchestratorEventType = "loop:iteration:start"
	EventTypeLoopIterEnd      OrchestratorEventType = "loop:iteration:end"
	EventTypeLog              OrchestratorEventType = "log" // EventTypeLog carries free-form run-scoped log lines (including credential requests).
)

// OrchestratorEvent is one entry of a run's write-once event stream, ordered
// by emission time. Consumers must not assume delivery is transactional with
// any persistence of the event.
type OrchestratorEvent struct {
	// Type indicates the kind of event.
	Type OrchestratorEventType

	// RunID identifies the workflow run that emitted the event.
	RunID string

	// Timestamp is the emission time.
	Timestamp time.Time

	// StepIndex is the position of the step within its sequence (for step
	// and loop events).
	StepIndex int

	// StepKind is the kind of the step (for step events).
	StepKind StepKind

	// Instruction is the step's instruction or URL (for step events).
	Instruction string

	// Success reports the step outcome (for step:end events).
	Success bool

	// Error holds a human-readable error description for failed steps and
	// run-fatal errors.
	Error string

	// Message holds free-form content for log and reasoning events.
	Message string

	// Iteration is the zero-based loop iteration (for loop events).
	Iteration int

	// Item is the loop iteration's datum (for loop events).
	Item map[string]interface{}

	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}
}

// EventHandler consumes orchestrator events. Handlers are invoked
// synchronously in emission order; they should not block.
type EventHandler func(event *OrchestratorEvent)

// NewWorkflowStartEvent creates a workflow start event.
func NewWorkflowStartEvent(runID, name string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeWorkflowStart,
		RunID:     runID,
		Timestamp: time.Now(),
		Message:   name,
	}
}

// NewWorkflowCompleteEvent creates the run's terminal completion event.
func NewWorkflowCompleteEvent(runID string, success bool) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeWorkflowComplete,
		RunID:     runID,
		Timestamp: time.Now(),
		Success:   success,
	}
}

// NewWorkflowErrorEvent creates a run-fatal error event.
func NewWorkflowErrorEvent(runID string, err error) *OrchestratorEvent {
	e := &OrchestratorEvent{
		Type:      EventTypeWorkflowError,
		RunID:     runID,
		Timestamp: time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewSessionReadyEvent creates a session ready event.
func NewSessionReadyEvent(runID, sessionID string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeSessionReady,
		RunID:     runID,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"session_id": sessionID},
	}
}

// NewStepStartEvent creates a step start event.
func NewStepStartEvent(runID string, index int, kind StepKind, instruction string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:        EventTypeStepStart,
		RunID:       runID,
		Timestamp:   time.Now(),
		StepIndex:   index,
		StepKind:    kind,
		Instruction: instruction,
	}
}

// NewStepEndEvent creates a step end event carrying the step outcome.
func NewStepEndEvent(runID string, index int, kind StepKind, success bool, errMsg string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeStepEnd,
		RunID:     runID,
		Timestamp: time.Now(),
		StepIndex: index,
		StepKind:  kind,
		Success:   success,
		Error:     errMsg,
	}
}

// NewStepReasoningEvent creates a step reasoning event.
func NewStepReasoningEvent(runID string, index int, reasoning string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeStepReasoning,
		RunID:     runID,
		Timestamp: time.Now(),
		StepIndex: index,
		Message:   reasoning,
	}
}

// NewLoopIterationStartEvent creates a loop iteration start event.
func NewLoopIterationStartEvent(runID string, iteration int, item map[string]interface{}) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeLoopIterStart,
		RunID:     runID,
		Timestamp: time.Now(),
		Iteration: iteration,
		Item:      item,
	}
}

// NewLoopIterationEndEvent creates a loop iteration end event.
func NewLoopIterationEndEvent(runID string, iteration int, success bool) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeLoopIterEnd,
		RunID:     runID,
		Timestamp: time.Now(),
		Iteration: iteration,
		Success:   success,
	}
}

// NewLogEvent creates a run-scoped log event.
func NewLogEvent(runID, message string) *OrchestratorEvent {
	return &OrchestratorEvent{
		Type:      EventTypeLog,
		RunID:     runID,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *OrchestratorEvent) WithMetadata(key string, value interface{}) *OrchestratorEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsStepEvent returns true if this is any step-scoped event.
func (e *OrchestratorEvent) IsStepEvent() bool {
	return e.Type == EventTypeStepStart ||
		e.Type == EventTypeStepEnd ||
		e.Type == EventTypeStepReasoning
}

// IsLoopEvent returns true if this is a loop iteration event.
func (e *OrchestratorEvent) IsLoopEvent() bool {
	return e.Type == EventTypeLoopIterStart ||
		e.Type == EventTypeLoopIterEnd
}

// IsTerminal returns true if no further events follow this one for the run.
func (e *OrchestratorEvent) IsTerminal() bool {
	return e.Type == EventTypeWorkflowComplete
}
