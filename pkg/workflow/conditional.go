package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/types"
)

// executeConditional resolves the condition to a boolean and runs the
// matching branch as a nested sequence. Resolution order: expression fast
// path, then (with loop context) a classification completion, then a
// bounded tool-using agent. Agent failure resolves false, never true.
func (r *Runner) executeConditional(ctx context.Context, step *types.Step, loopCtx *types.LoopContext) error {
	verdict := r.evaluateCondition(ctx, step.Condition, loopCtx)

	branch := step.FalseSteps
	if verdict {
		branch = step.TrueSteps
	}
	log.Infof("run %s conditional %q resolved %v (%d branch steps)", r.RunID(), snippet(step.Condition), verdict, len(branch))

	return r.executeSequence(ctx, branch, loopCtx)
}

func (r *Runner) evaluateCondition(ctx context.Context, condition string, loopCtx *types.LoopContext) bool {
	if verdict, ok := evaluateExpression(condition, r.conditionEnv(loopCtx)); ok {
		return verdict
	}

	if loopCtx != nil {
		switch r.classifyCondition(ctx, condition, loopCtx) {
		case "true":
			return true
		case "false":
			return false
		}
		// "unsure" falls through to the agent.
	}

	return r.decideWithAgent(ctx, condition, loopCtx)
}

// conditionEnv is the variable environment the expression fast path sees.
func (r *Runner) conditionEnv(loopCtx *types.LoopContext) map[string]interface{} {
	env := make(map[string]interface{})

	r.mu.Lock()
	vars := make(map[string]interface{}, len(r.extractedVariables))
	for k, v := range r.extractedVariables {
		vars[k] = v
	}
	r.mu.Unlock()
	env["vars"] = vars

	if loopCtx != nil {
		env["item"] = loopCtx.Item
		env["itemIndex"] = loopCtx.ItemIndex
	} else {
		env["item"] = map[string]interface{}{}
		env["itemIndex"] = -1
	}
	return env
}

// evaluateExpression tries the condition text as a boolean expression over
// the run's variables. Natural-language conditions fail compilation and
// fall back. Reports handled=false when the text is not an expression.
func evaluateExpression(condition string, env map[string]interface{}) (verdict, handled bool) {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return false, true
	}

	program, err := expr.Compile(trimmed, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, false
	}
	b, ok := out.(bool)
	return b, ok
}

const classifyPrompt = `Decide whether a condition holds for the current item in a data-processing loop.

Condition: %s

Current item (index %d): %s

Known variables: %s

Respond with JSON only: {"verdict": "true" | "false" | "unsure"}
Answer "unsure" only if the item and variables genuinely cannot settle the condition.`

// classifyCondition asks for a fast true/false/unsure verdict from the loop
// item alone, avoiding a full page-reading agent when the data suffices.
func (r *Runner) classifyCondition(ctx context.Context, condition string, loopCtx *types.LoopContext) string {
	itemJSON, err := json.Marshal(loopCtx.Item)
	if err != nil {
		return "unsure"
	}
	r.mu.Lock()
	varsJSON, _ := json.Marshal(r.extractedVariables)
	r.mu.Unlock()

	resp, err := r.client.Complete(ctx, &llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			llm.NewUserMessage(fmt.Sprintf(classifyPrompt, condition, loopCtx.ItemIndex, itemJSON, varsJSON)),
		},
		JSONOnly: true,
	})
	if err != nil {
		log.Warnf("run %s condition classification failed: %v", r.RunID(), err)
		return "unsure"
	}

	var out struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return "unsure"
	}
	switch out.Verdict {
	case "true", "false":
		return out.Verdict
	default:
		return "unsure"
	}
}

// decideWithAgent is the last resort: a tool-using agent inspects the page
// under a hard timeout. Any failure resolves false.
func (r *Runner) decideWithAgent(ctx context.Context, condition string, loopCtx *types.LoopContext) bool {
	page, err := r.page()
	if err != nil {
		return false
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.conditionalTimeout)
	defer cancel()

	opts := []browser.AgentOption{}
	if r.model != "" {
		opts = append(opts, browser.WithModel(r.model))
	}
	agent := browser.NewActionAgent(r.client, page, opts...)

	question := condition
	if loopCtx != nil {
		if data, err := json.Marshal(loopCtx.Item); err == nil {
			question = fmt.Sprintf("%s\n\nCurrent loop item (index %d): %s", condition, loopCtx.ItemIndex, data)
		}
	}

	verdict, err := agent.Decide(timeoutCtx, question)
	if err != nil {
		log.Warnf("run %s conditional agent failed, resolving false: %v", r.RunID(), err)
		return false
	}
	return verdict
}

func snippet(s string) string {
	if len(s) <= 60 {
		return s
	}
	return s[:57] + "..."
}
