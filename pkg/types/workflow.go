// Package types defines the shared data model for the Waypoint workflow
// engine: workflow and step definitions, run results, extraction values,
// credential handoff payloads, and the orchestrator event stream.
package types

// StepKind identifies the behavior of a workflow step.
type StepKind string

const (
	// StepKindNavigate loads a URL in the session's active tab, reusing an
	// existing tab if one already shows the target URL.
	StepKindNavigate StepKind = "navigate"

	// StepKindTabNavigate loads a URL in a new tab unless an existing tab
	// already shows it.
	StepKindTabNavigate StepKind = "tab_navigate"

	// StepKindAgent delegates a free-form instruction to the LLM-driven
	// action agent with page-manipulation tools.
	StepKindAgent StepKind = "step"

	// StepKindExtract pulls structured data from the current page into the
	// run's extracted variables and global state history.
	StepKindExtract StepKind = "extract"

	// StepKindSave produces a final output file from the accumulated
	// global state.
	StepKindSave StepKind = "save"

	// StepKindLoop discovers items on the current page and executes its
	// nested steps once per item, paginating until exhausted.
	StepKindLoop StepKind = "loop"

	// StepKindConditional evaluates a condition and executes one of two
	// nested branches.
	StepKindConditional StepKind = "conditional"
)

// Step is one node of a workflow's step tree. The populated fields depend on
// Kind; nested sequences (Steps, TrueSteps, FalseSteps) are owned by their
// parent and the tree contains no cycles. A workflow's step tree is built
// once and never mutated after a run starts.
type Step struct {
	Kind StepKind `json:"type" yaml:"type"`

	// URL is the navigation target for navigate and tab_navigate steps.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Description carries the instruction for agent, extract, save, and
	// loop steps.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// DataSchema is the loosely-formatted schema text for extract steps.
	// It accepts strict JSON as well as JS-object-literal syntax.
	DataSchema string `json:"dataSchema,omitempty" yaml:"dataSchema,omitempty"`

	// Condition is the condition text for conditional steps.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Steps is the loop body for loop steps.
	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty"`

	// TrueSteps and FalseSteps are the conditional branches.
	TrueSteps  []Step `json:"trueSteps,omitempty" yaml:"trueSteps,omitempty"`
	FalseSteps []Step `json:"falseSteps,omitempty" yaml:"falseSteps,omitempty"`
}

// WorkflowInput is a named value supplied by the caller before a run starts.
type WorkflowInput struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Workflow is a complete automation plan. It is immutable once execution
// starts; the orchestrator never writes back into it.
type Workflow struct {
	Name        string          `json:"name" yaml:"name"`
	StartingURL string          `json:"startingUrl,omitempty" yaml:"startingUrl,omitempty"`
	Inputs      []WorkflowInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []Step          `json:"steps" yaml:"steps"`
}

// LoopContext carries the current loop iteration's datum into nested step
// execution. It is threaded down the step tree, never mutated.
type LoopContext struct {
	Item      map[string]interface{}
	ItemIndex int
}

// StepResult records the outcome of a single executed step.
type StepResult struct {
	Instruction string `json:"instruction"`
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SavedFile is the product of a save step.
type SavedFile struct {
	Output          string `json:"output"`
	OutputExtension string `json:"outputExtension"`
}

// RunStatus is the terminal (or current) state of a workflow run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// WorkflowResult is the accumulated outcome of a run. Success is true only
// when the run was not aborted and every recorded step result succeeded.
type WorkflowResult struct {
	RunID              string                   `json:"runId"`
	Status             RunStatus                `json:"status"`
	Success            bool                     `json:"success"`
	ExtractedVariables map[string]string        `json:"extractedVariables"`
	GlobalState        []map[string]interface{} `json:"globalState"`
	SavedFiles         []SavedFile              `json:"savedFiles"`
	StepResults        []StepResult             `json:"stepResults"`
	Error              string                   `json:"error,omitempty"`
}

// ExtractionItem is one datum discovered during loop-item identification.
// Fingerprint is a canonical serialization of Data used to de-duplicate
// items across repeated discovery passes.
type ExtractionItem struct {
	Fingerprint string                 `json:"fingerprint"`
	Data        map[string]interface{} `json:"data"`
}

// PaginationAction is the advisory navigation suggested by a vision
// pagination check.
type PaginationAction string

const (
	PaginationScrollDown    PaginationAction = "scroll_down"
	PaginationClickNext     PaginationAction = "click_next"
	PaginationClickLoadMore PaginationAction = "click_load_more"
	PaginationNone          PaginationAction = "none"
)

// PaginationCheck is the result of a vision pagination classification. It is
// advisory; the loop executor decides what to do with it.
type PaginationCheck struct {
	HasMore      bool             `json:"hasMore"`
	Action       PaginationAction `json:"action"`
	SelectorHint string           `json:"selectorHint,omitempty"`
}

// CredentialRequest describes a pause point where control returns to a human
// to satisfy an authentication challenge (login, 2FA, CAPTCHA).
type CredentialRequest struct {
	Reason      string `json:"reason"`
	StepIndex   int    `json:"stepIndex,omitempty"`
	StepType    string `json:"stepType,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// CredentialResult resolves a credential request. Continued is false when the
// run ended (stop, completion, error, abort) before the user continued.
type CredentialResult struct {
	Continued bool   `json:"continued"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
