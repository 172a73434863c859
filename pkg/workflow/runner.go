package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/extraction"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/session"
	"github.com/entrhq/waypoint/pkg/types"
)

var log *logging.Logger

func init() {
	var err error
	log, err = logging.NewLogger("workflow")
	if err != nil {
		log.Warnf("failed to initialize workflow logger, using stderr fallback: %v", err)
	}
}

// errAborted unwinds execution after Abort sets the flag. It is checked at
// every step boundary and never surfaces as a workflow error.
var errAborted = errors.New("workflow aborted")

// DefaultConditionalTimeout bounds the tool-using agent a conditional step
// falls back to.
const DefaultConditionalTimeout = 60 * time.Second

// Session is the browser-session surface a run drives. A run owns its
// session exclusively for the run's duration.
type Session interface {
	ID() string
	Page() (browser.Page, error)
	Navigate(ctx context.Context, url string) error
	NavigateNewTab(ctx context.Context, url string) error
	Tabs() []browser.TabInfo
	ActiveTabIndex() int
	ActivateTab(index int) error
	CloseTab(index int) error
}

// SessionProvider creates and releases browser sessions for runs.
type SessionProvider interface {
	CreateSession(ctx context.Context, source string) (Session, error)
	InitializeSession(ctx context.Context, id, startURL string) error
	StopSession(ctx context.Context, id string) error
}

// managerProvider adapts the concrete session manager to SessionProvider.
type managerProvider struct {
	m *session.Manager
}

func (p *managerProvider) CreateSession(ctx context.Context, source string) (Session, error) {
	s, err := p.m.CreateSession(ctx, source)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *managerProvider) InitializeSession(ctx context.Context, id, startURL string) error {
	return p.m.InitializeSession(ctx, id, startURL)
}

func (p *managerProvider) StopSession(ctx context.Context, id string) error {
	return p.m.StopSession(ctx, id)
}

// Runner executes one workflow at a time. A run is a single logical thread
// of control; concurrent runs need distinct Runner instances, which share
// only the process-wide admission controller through the session manager.
type Runner struct {
	client   llm.Client
	sessions SessionProvider
	engine   *extraction.Engine
	handler  types.EventHandler

	model              string
	outputDir          string
	conditionalTimeout time.Duration

	mu          sync.Mutex
	runID       string
	status      types.RunStatus
	aborted     bool
	sess        Session
	credentials *credentialManager
	stepCounter int

	extractedVariables map[string]string
	globalState        []map[string]interface{}
	stepResults        []types.StepResult
	savedFiles         []types.SavedFile
}

// Option configures a Runner.
type Option func(*Runner)

// WithEventHandler registers the run's event callback. Events are delivered
// synchronously in execution order.
func WithEventHandler(h types.EventHandler) Option {
	return func(r *Runner) { r.handler = h }
}

// WithModel overrides the completion model used for agent steps,
// conditionals, and save output generation.
func WithModel(model string) Option {
	return func(r *Runner) { r.model = model }
}

// WithOutputDir sets where save steps write their files. Empty means files
// are recorded in the result only.
func WithOutputDir(dir string) Option {
	return func(r *Runner) { r.outputDir = dir }
}

// WithExtractionEngine overrides the extraction engine.
func WithExtractionEngine(e *extraction.Engine) Option {
	return func(r *Runner) { r.engine = e }
}

// WithSessionProvider overrides where the runner sources its browser
// session.
func WithSessionProvider(p SessionProvider) Option {
	return func(r *Runner) { r.sessions = p }
}

// WithConditionalTimeout bounds the agent fallback for conditional steps.
func WithConditionalTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.conditionalTimeout = d
		}
	}
}

// NewRunner creates a workflow runner backed by the given completion client
// and session manager.
func NewRunner(client llm.Client, sessions *session.Manager, opts ...Option) *Runner {
	r := &Runner{
		client:             client,
		status:             types.RunStatusIdle,
		credentials:        newCredentialManager(),
		conditionalTimeout: DefaultConditionalTimeout,
		extractedVariables: make(map[string]string),
	}
	if sessions != nil {
		r.sessions = &managerProvider{m: sessions}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.engine == nil {
		r.engine = extraction.NewEngine(client,
			extraction.WithModel(r.model),
			extraction.WithVisionModel(r.model),
		)
	}
	return r
}

// RunID returns the current (or last) run's identifier.
func (r *Runner) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Status returns the run's current state.
func (r *Runner) Status() types.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run executes the workflow to completion, failure, or stop. It always
// emits exactly one workflow:complete event, after the browser session has
// been released.
func (r *Runner) Run(ctx context.Context, wf *types.Workflow) (*types.WorkflowResult, error) {
	r.mu.Lock()
	if r.status == types.RunStatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner is already executing a workflow")
	}
	r.runID = uuid.New().String()
	r.status = types.RunStatusRunning
	r.aborted = false
	r.stepCounter = 0
	r.extractedVariables = make(map[string]string)
	r.globalState = nil
	r.stepResults = nil
	r.savedFiles = nil
	runID := r.runID
	r.mu.Unlock()

	for _, in := range wf.Inputs {
		r.setVariable(in.Name, in.Value)
	}

	r.emit(types.NewWorkflowStartEvent(runID, wf.Name))
	log.Infof("run %s starting workflow %q (%d steps)", runID, wf.Name, len(wf.Steps))

	result := r.execute(ctx, wf)

	// The pending credential wait, if any, must not outlive the run.
	r.credentials.ResolveAll("workflow run ended")
	r.releaseSession(ctx)

	r.mu.Lock()
	result.RunID = runID
	result.Status = r.status
	result.ExtractedVariables = r.extractedVariables
	result.GlobalState = r.globalState
	result.StepResults = r.stepResults
	result.SavedFiles = r.savedFiles
	r.mu.Unlock()

	r.emit(types.NewWorkflowCompleteEvent(runID, result.Success))
	log.Infof("run %s finished: status=%s success=%v", runID, result.Status, result.Success)
	return result, nil
}

// execute drives the step tree and classifies the outcome. Abort is a
// distinct termination path and is never reported as workflow:error.
func (r *Runner) execute(ctx context.Context, wf *types.Workflow) *types.WorkflowResult {
	result := &types.WorkflowResult{}

	if err := r.acquireSession(ctx, wf); err != nil {
		if errors.Is(err, errAborted) {
			r.setStatus(types.RunStatusStopped)
			return result
		}
		r.emit(types.NewWorkflowErrorEvent(r.RunID(), err))
		r.setStatus(types.RunStatusFailed)
		result.Error = err.Error()
		return result
	}

	err := r.executeSequence(ctx, wf.Steps, nil)
	if err != nil {
		if errors.Is(err, errAborted) {
			r.setStatus(types.RunStatusStopped)
			return result
		}
		r.emit(types.NewWorkflowErrorEvent(r.RunID(), err))
		r.setStatus(types.RunStatusFailed)
		result.Error = err.Error()
		return result
	}

	r.mu.Lock()
	success := !r.aborted
	for _, res := range r.stepResults {
		if !res.Success {
			success = false
			break
		}
	}
	if r.aborted {
		r.status = types.RunStatusStopped
	} else if success {
		r.status = types.RunStatusCompleted
	} else {
		r.status = types.RunStatusFailed
	}
	r.mu.Unlock()

	result.Success = success
	return result
}

func (r *Runner) acquireSession(ctx context.Context, wf *types.Workflow) error {
	if err := r.checkAborted(); err != nil {
		return err
	}

	sess, err := r.sessions.CreateSession(ctx, "workflow:"+wf.Name)
	if err != nil {
		return fmt.Errorf("failed to create browser session: %w", err)
	}

	r.mu.Lock()
	r.sess = sess
	aborted := r.aborted
	r.mu.Unlock()

	// Abort may have landed while the session was being created.
	if aborted {
		return errAborted
	}

	r.emit(types.NewSessionReadyEvent(r.RunID(), sess.ID()))

	if wf.StartingURL != "" {
		if err := r.sessions.InitializeSession(ctx, sess.ID(), wf.StartingURL); err != nil {
			return fmt.Errorf("failed to load starting url: %w", err)
		}
	}
	return nil
}

func (r *Runner) releaseSession(ctx context.Context) {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess == nil {
		return
	}
	if err := r.sessions.StopSession(ctx, sess.ID()); err != nil {
		log.Warnf("failed to stop session %s: %v", sess.ID(), err)
	}
}

// executeSequence runs steps in order. A failing step is recorded and the
// sequence continues; only abort unwinds.
func (r *Runner) executeSequence(ctx context.Context, steps []types.Step, loopCtx *types.LoopContext) error {
	for i := range steps {
		if err := r.checkAborted(); err != nil {
			return err
		}
		if err := r.executeStep(ctx, &steps[i], loopCtx); err != nil {
			return err
		}
	}
	return nil
}

// executeStep runs one step, emitting step:start and step:end and recording
// its result. Step-local failures never propagate; only abort does.
func (r *Runner) executeStep(ctx context.Context, step *types.Step, loopCtx *types.LoopContext) error {
	index := r.nextStepIndex()
	instruction := r.stepInstruction(step)

	r.emit(types.NewStepStartEvent(r.RunID(), index, step.Kind, instruction))

	var err error
	switch step.Kind {
	case types.StepKindNavigate:
		err = r.executeNavigate(ctx, step.URL, false)
	case types.StepKindTabNavigate:
		err = r.executeNavigate(ctx, step.URL, true)
	case types.StepKindAgent:
		err = r.executeAgentStep(ctx, index, step, loopCtx)
	case types.StepKindExtract:
		err = r.executeExtract(ctx, step, loopCtx)
	case types.StepKindConditional:
		err = r.executeConditional(ctx, step, loopCtx)
	case types.StepKindLoop:
		err = r.executeLoop(ctx, step)
	case types.StepKindSave:
		err = r.executeSave(ctx, step)
	default:
		err = fmt.Errorf("unknown step type %q", step.Kind)
	}

	if errors.Is(err, errAborted) {
		return err
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		log.Warnf("run %s step %d (%s) failed: %v", r.RunID(), index, step.Kind, err)
	}
	r.recordResult(types.StepResult{
		Instruction: instruction,
		Success:     err == nil,
		Error:       errMsg,
	})
	r.emit(types.NewStepEndEvent(r.RunID(), index, step.Kind, err == nil, errMsg))
	return nil
}

func (r *Runner) stepInstruction(step *types.Step) string {
	switch step.Kind {
	case types.StepKindNavigate, types.StepKindTabNavigate:
		return step.URL
	case types.StepKindConditional:
		return step.Condition
	default:
		return step.Description
	}
}

func (r *Runner) nextStepIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.stepCounter
	r.stepCounter++
	return idx
}

func (r *Runner) recordResult(res types.StepResult) {
	r.mu.Lock()
	r.stepResults = append(r.stepResults, res)
	r.mu.Unlock()
}

func (r *Runner) setVariable(key, value string) {
	r.mu.Lock()
	r.extractedVariables[key] = value
	r.mu.Unlock()
}

func (r *Runner) setStatus(s types.RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Runner) checkAborted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return errAborted
	}
	return nil
}

// Abort stops the run. Any pending credential wait resolves not-continued
// and the browser session is released; the next step boundary observes the
// flag and unwinds without reporting a workflow error.
func (r *Runner) Abort(ctx context.Context) {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	r.mu.Unlock()

	log.Infof("run %s abort requested", r.RunID())
	r.credentials.ResolveAll("workflow stopped")
	r.releaseSession(ctx)
}

// ContinueFromCredential resumes a run paused on a credential request. The
// request id must match the outstanding request.
func (r *Runner) ContinueFromCredential(requestID, message string) error {
	return r.credentials.Continue(requestID, message)
}

// PendingCredentialRequest reports the outstanding credential request id.
func (r *Runner) PendingCredentialRequest() (string, bool) {
	return r.credentials.PendingRequestID()
}

func (r *Runner) emit(event *types.OrchestratorEvent) {
	if r.handler != nil {
		r.handler(event)
	}
}

// page returns the workflow-facing view of the session's active tab.
func (r *Runner) page() (browser.Page, error) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("no active session")
	}
	return sess.Page()
}

func (r *Runner) currentSession() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil, fmt.Errorf("no active session")
	}
	return r.sess, nil
}
