package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/llm/tokenizer"
	"github.com/entrhq/waypoint/pkg/logging"
)

var agentLog *logging.Logger

func init() {
	var err error
	agentLog, err = logging.NewLogger("browser-agent")
	if err != nil {
		agentLog.Warnf("failed to initialize agent logger, using stderr fallback: %v", err)
	}
}

const (
	// DefaultMaxIterations bounds the agent's act-observe loop.
	DefaultMaxIterations = 12

	// treeTokenBudget bounds the element tree included in each prompt.
	treeTokenBudget = 6000

	// maxObservedCandidates bounds the interactive-element list included
	// in each prompt.
	maxObservedCandidates = 15
)

// CredentialFunc is invoked when the agent hits an authentication gate
// (login form, 2FA prompt, CAPTCHA). It blocks until the human either
// continues or the run ends; continued reports which.
type CredentialFunc func(ctx context.Context, reason string) (continued bool, err error)

// ReasoningFunc receives the agent's intermediate reasoning lines.
type ReasoningFunc func(reasoning string)

// ActionAgent drives a Page toward a natural-language goal by repeatedly
// observing the document and asking a completion service for the next action.
type ActionAgent struct {
	client        llm.Client
	page          Page
	model         string
	maxIterations int
	credential    CredentialFunc
	onReasoning   ReasoningFunc
}

// AgentOption configures an ActionAgent.
type AgentOption func(*ActionAgent)

// WithModel sets the completion model used for action selection.
func WithModel(model string) AgentOption {
	return func(a *ActionAgent) { a.model = model }
}

// WithMaxIterations bounds the act-observe loop.
func WithMaxIterations(n int) AgentOption {
	return func(a *ActionAgent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithCredentialFunc registers the credential-handoff hook. Without one, the
// agent fails instructions that require authentication.
func WithCredentialFunc(fn CredentialFunc) AgentOption {
	return func(a *ActionAgent) { a.credential = fn }
}

// WithReasoningFunc registers a sink for intermediate reasoning.
func WithReasoningFunc(fn ReasoningFunc) AgentOption {
	return func(a *ActionAgent) { a.onReasoning = fn }
}

// NewActionAgent creates an agent bound to one page.
func NewActionAgent(client llm.Client, page Page, opts ...AgentOption) *ActionAgent {
	a := &ActionAgent{
		client:        client,
		page:          page,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

const agentSystemPrompt = `You are a web automation agent operating a live browser page.
Given an instruction, the page's element tree, and the actions taken so far,
respond with a JSON object choosing exactly one next action:

{"action": "click|fill|press|scroll|navigate|wait|done|fail|request_credentials",
 "selector": "<css selector, for click/fill/press>",
 "value": "<text to fill, key to press, or url to navigate>",
 "reasoning": "<one short sentence>"}

Use "done" when the instruction is satisfied, "fail" (with reasoning) when it
cannot be, and "request_credentials" when the page demands a login, 2FA code,
or CAPTCHA that only the human user can provide.`

// Run executes the instruction against the page. It returns nil when the
// agent declares the instruction done and an error otherwise.
func (a *ActionAgent) Run(ctx context.Context, instruction string) error {
	var history []string

	for i := 0; i < a.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		decision, err := a.nextAction(ctx, instruction, history)
		if err != nil {
			return err
		}

		if decision.reasoning != "" && a.onReasoning != nil {
			a.onReasoning(decision.reasoning)
		}

		switch decision.command {
		case "done":
			return nil

		case "fail":
			return fmt.Errorf("agent could not complete instruction: %s", decision.reasoning)

		case "request_credentials":
			if a.credential == nil {
				return fmt.Errorf("authentication required but no credential handler is registered")
			}
			continued, err := a.credential(ctx, decision.reasoning)
			if err != nil {
				return err
			}
			if !continued {
				return fmt.Errorf("run ended while waiting for credentials")
			}
			history = append(history, "user completed the authentication challenge")
			continue
		}

		action := Action{Kind: ActionKind(decision.command), Selector: decision.selector, Value: decision.value}
		if err := a.page.Act(ctx, action); err != nil {
			// Let the model see the failure and pick a different element.
			agentLog.Warnf("action %s failed: %v", decision.command, err)
			history = append(history, fmt.Sprintf("%s %s FAILED: %v", decision.command, decision.selector, err))
			continue
		}
		history = append(history, fmt.Sprintf("%s %s %s", decision.command, decision.selector, decision.value))
	}

	return fmt.Errorf("agent exceeded %d iterations without completing instruction", a.maxIterations)
}

// Decide answers a yes/no question about the current page. Callers bound it
// with a context deadline.
func (a *ActionAgent) Decide(ctx context.Context, question string) (bool, error) {
	tree, err := a.page.ElementTree(ctx)
	if err != nil {
		return false, err
	}

	prompt := fmt.Sprintf("Question about the current page: %s\n\nPage title: %s\nPage URL: %s\n\nElement tree:\n%s\n\nRespond with JSON: {\"answer\": true|false}",
		question, tree.Title, a.page.URL(), tokenizer.Truncate(tree.Outline, treeTokenBudget))

	resp, err := a.client.Complete(ctx, &llm.Request{
		Model:    a.model,
		JSONOnly: true,
		Messages: []llm.Message{llm.NewUserMessage(prompt)},
	})
	if err != nil {
		return false, err
	}

	answer := gjson.Get(resp.Content, "answer")
	if !answer.Exists() || answer.Type != gjson.True && answer.Type != gjson.False {
		return false, fmt.Errorf("agent returned no boolean answer: %s", snippet(resp.Content))
	}
	return answer.Bool(), nil
}

type agentDecision struct {
	command   string
	selector  string
	value     string
	reasoning string
}

func (a *ActionAgent) nextAction(ctx context.Context, instruction string, history []string) (*agentDecision, error) {
	tree, err := a.page.ElementTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to observe page: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\nCurrent URL: %s\nPage title: %s\n", instruction, a.page.URL(), tree.Title)
	if len(history) > 0 {
		b.WriteString("\nActions so far:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if candidates, err := a.page.Observe(ctx); err != nil {
		agentLog.Warnf("observe failed, continuing with element tree only: %v", err)
	} else if len(candidates) > 0 {
		if len(candidates) > maxObservedCandidates {
			candidates = candidates[:maxObservedCandidates]
		}
		b.WriteString("\nInteractive elements:\n")
		for _, c := range candidates {
			fmt.Fprintf(&b, "- %s [%s] %s\n", c.Selector, c.Role, c.Text)
		}
	}
	fmt.Fprintf(&b, "\nElement tree:\n%s\n", tokenizer.Truncate(tree.Outline, treeTokenBudget))

	resp, err := a.client.Complete(ctx, &llm.Request{
		Model:    a.model,
		JSONOnly: true,
		Messages: []llm.Message{
			llm.NewSystemMessage(agentSystemPrompt),
			llm.NewUserMessage(b.String()),
		},
	})
	if err != nil {
		return nil, err
	}

	parsed := gjson.Get(resp.Content, "action")
	if !parsed.Exists() {
		return nil, fmt.Errorf("agent returned malformed action JSON: %s", snippet(resp.Content))
	}

	return &agentDecision{
		command:   parsed.String(),
		selector:  gjson.Get(resp.Content, "selector").String(),
		value:     gjson.Get(resp.Content, "value").String(),
		reasoning: gjson.Get(resp.Content, "reasoning").String(),
	}, nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
