package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/extraction"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/security/workspace"
	"github.com/entrhq/waypoint/pkg/types"
)

// allowedSaveExtensions is the closed set a save step may declare.
var allowedSaveExtensions = map[string]bool{
	"csv":  true,
	"json": true,
	"txt":  true,
	"md":   true,
	"html": true,
}

func (r *Runner) executeNavigate(ctx context.Context, url string, newTab bool) error {
	if url == "" {
		return fmt.Errorf("navigation step has no url")
	}
	sess, err := r.currentSession()
	if err != nil {
		return err
	}
	if newTab {
		return sess.NavigateNewTab(ctx, url)
	}
	return sess.Navigate(ctx, url)
}

// executeAgentStep delegates to the tool-using action agent. The agent's
// credential tool routes through the run's credential manager so a login or
// 2FA gate suspends only this step, resolvable from outside the run.
func (r *Runner) executeAgentStep(ctx context.Context, index int, step *types.Step, loopCtx *types.LoopContext) error {
	page, err := r.page()
	if err != nil {
		return err
	}

	opts := []browser.AgentOption{
		browser.WithCredentialFunc(r.credentialGate(index, step)),
		browser.WithReasoningFunc(func(reasoning string) {
			r.emit(types.NewStepReasoningEvent(r.RunID(), index, reasoning))
		}),
	}
	if r.model != "" {
		opts = append(opts, browser.WithModel(r.model))
	}
	agent := browser.NewActionAgent(r.client, page, opts...)

	return agent.Run(ctx, r.renderInstruction(step.Description, loopCtx))
}

// credentialGate returns the agent hook that parks the step on an
// externally resolvable wait. Resolution comes from ContinueFromCredential
// or from any run termination path via ResolveAll.
func (r *Runner) credentialGate(index int, step *types.Step) browser.CredentialFunc {
	return func(ctx context.Context, reason string) (bool, error) {
		requestID, ch, err := r.credentials.Request(reason)
		if err != nil {
			return false, err
		}

		request := &types.CredentialRequest{
			Reason:      reason,
			StepIndex:   index,
			StepType:    string(step.Kind),
			Instruction: step.Description,
		}
		event := types.NewLogEvent(r.RunID(), "credential:request").
			WithMetadata("requestId", requestID).
			WithMetadata("request", request)
		r.emit(event)
		log.Infof("run %s paused for credentials (request %s): %s", r.RunID(), requestID, reason)

		select {
		case result := <-ch:
			return result.Continued, nil
		case <-ctx.Done():
			r.credentials.ResolveAll("context cancelled")
			return false, ctx.Err()
		}
	}
}

// executeExtract pulls structured data and merges it into the run's
// variables. Non-scalar values are JSON-stringified rather than dropped.
func (r *Runner) executeExtract(ctx context.Context, step *types.Step, loopCtx *types.LoopContext) error {
	page, err := r.page()
	if err != nil {
		return err
	}

	schema := extraction.ParseSchema(step.DataSchema)
	data, err := r.engine.Extract(ctx, page, r.renderInstruction(step.Description, loopCtx), schema)
	if err != nil {
		return err
	}

	for key, value := range data {
		r.setVariable(key, stringifyValue(value))
	}

	r.mu.Lock()
	r.globalState = append(r.globalState, data)
	r.mu.Unlock()
	return nil
}

// stringifyValue renders a value for the variable map. Scalars format
// directly; anything else is JSON-stringified.
func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return fmt.Sprintf("%v", val)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
	case int, int64:
		return fmt.Sprintf("%d", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// renderInstruction augments an instruction with the loop item and any
// extracted variables so the model sees the run's accumulated context.
func (r *Runner) renderInstruction(instruction string, loopCtx *types.LoopContext) string {
	var b strings.Builder
	b.WriteString(instruction)

	if loopCtx != nil {
		if data, err := json.Marshal(loopCtx.Item); err == nil {
			fmt.Fprintf(&b, "\n\nCurrent loop item (index %d): %s", loopCtx.ItemIndex, data)
		}
	}

	r.mu.Lock()
	vars := make(map[string]string, len(r.extractedVariables))
	for k, v := range r.extractedVariables {
		vars[k] = v
	}
	r.mu.Unlock()

	if len(vars) > 0 {
		if data, err := json.Marshal(vars); err == nil {
			fmt.Fprintf(&b, "\n\nKnown variables: %s", data)
		}
	}
	return b.String()
}

const savePrompt = `You produce the final output file for a completed browser automation run.

Given the accumulated data below, write the file contents and choose an extension.
Respond with JSON only: {"output": "<file body>", "outputExtension": "<csv|json|txt|md|html>"}

Task: %s

Accumulated data:
%s`

// executeSave asks the model to produce the run's output file. It never
// hard-fails: any problem falls back to dumping the global state as JSON.
func (r *Runner) executeSave(ctx context.Context, step *types.Step) error {
	r.mu.Lock()
	state := r.globalState
	r.mu.Unlock()

	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		stateJSON = []byte("[]")
	}

	file := r.generateSaveOutput(ctx, step.Description, string(stateJSON))
	if file == nil {
		file = &types.SavedFile{Output: string(stateJSON), OutputExtension: "json"}
	}

	r.mu.Lock()
	r.savedFiles = append(r.savedFiles, *file)
	runID := r.runID
	r.mu.Unlock()

	if r.outputDir != "" {
		name := fmt.Sprintf("%s.%s", runID, file.OutputExtension)
		if path, err := r.outputPath(name); err != nil {
			log.Warnf("run %s rejected save output path %s: %v", runID, name, err)
		} else if err := os.WriteFile(path, []byte(file.Output), 0o644); err != nil {
			log.Warnf("run %s failed to write save output %s: %v", runID, path, err)
		}
	}
	return nil
}

// outputPath resolves name inside the configured output directory,
// creating the directory on first use.
func (r *Runner) outputPath(name string) (string, error) {
	guard, err := workspace.NewGuard(r.outputDir)
	if err != nil {
		return "", err
	}
	return guard.Join(name)
}

// generateSaveOutput returns nil on any failure so the caller falls back.
func (r *Runner) generateSaveOutput(ctx context.Context, description, stateJSON string) *types.SavedFile {
	resp, err := r.client.Complete(ctx, &llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			llm.NewUserMessage(fmt.Sprintf(savePrompt, description, stateJSON)),
		},
		JSONOnly: true,
	})
	if err != nil {
		log.Warnf("run %s save generation failed, falling back to state dump: %v", r.RunID(), err)
		return nil
	}

	parsed := gjson.Parse(resp.Content)
	output := parsed.Get("output").String()
	ext := strings.TrimPrefix(strings.ToLower(parsed.Get("outputExtension").String()), ".")

	if output == "" || !allowedSaveExtensions[ext] {
		log.Warnf("run %s save output rejected (ext %q, %d bytes), falling back", r.RunID(), ext, len(output))
		return nil
	}
	return &types.SavedFile{Output: output, OutputExtension: ext}
}
