package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/types"
)

func TestEvaluateExpressionFastPath(t *testing.T) {
	env := map[string]interface{}{
		"item":      map[string]interface{}{"price": 12.0, "name": "Widget"},
		"itemIndex": 3,
		"vars":      map[string]interface{}{"threshold": "10"},
	}

	verdict, handled := evaluateExpression(`item.price > 10`, env)
	assert.True(t, handled)
	assert.True(t, verdict)

	verdict, handled = evaluateExpression(`itemIndex == 0`, env)
	assert.True(t, handled)
	assert.False(t, verdict)

	// Natural language is not an expression and falls through.
	_, handled = evaluateExpression(`the page shows a discount banner`, env)
	assert.False(t, handled)

	// Empty condition resolves false without falling through.
	verdict, handled = evaluateExpression("", env)
	assert.True(t, handled)
	assert.False(t, verdict)
}

func TestConditionalClassificationBranches(t *testing.T) {
	client := newScriptedClient()
	client.onStatic("Decide whether a condition holds", `{"verdict": "true"}`)
	client.onStatic("You are a web automation agent", `{"action": "done"}`)
	client.onStatic("List the items described below", itemsJSON(0, 1))
	client.onStatic("This screenshot shows a page from which", `{"hasMore": false, "action": "none"}`)

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "classified",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each entry",
				Steps: []types.Step{
					{
						Kind:      types.StepKindConditional,
						Condition: "the entry mentions a discount",
						TrueSteps: []types.Step{
							{Kind: types.StepKindAgent, Description: "record the discount"},
						},
						FalseSteps: []types.Step{
							{Kind: types.StepKindNavigate, URL: "https://example.com/skip"},
						},
					},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The classification answered true, so the agent branch ran and no
	// page-reading agent fallback was needed for the condition.
	assert.Equal(t, 1, client.hits("Decide whether a condition holds"))
	found := false
	for _, e := range recorder.ofType(types.EventTypeStepStart) {
		if e.Instruction == "record the discount" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConditionalUnsureFallsBackToAgent(t *testing.T) {
	client := newScriptedClient()
	client.onStatic("Decide whether a condition holds", `{"verdict": "unsure"}`)
	client.onStatic("Question about the current page", `{"answer": false}`)
	client.onStatic("List the items described below", itemsJSON(0, 1))
	client.onStatic("This screenshot shows a page from which", `{"hasMore": false, "action": "none"}`)

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "unsure",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each entry",
				Steps: []types.Step{
					{
						Kind:      types.StepKindConditional,
						Condition: "the entry is marked as sold out",
						FalseSteps: []types.Step{
							{Kind: types.StepKindNavigate, URL: "https://example.com/in-stock"},
						},
					},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, client.hits("Question about the current page"))

	provider := recorder.ofType(types.EventTypeStepStart)
	var navigated bool
	for _, e := range provider {
		if e.StepKind == types.StepKindNavigate {
			navigated = true
		}
	}
	assert.True(t, navigated)
}

func TestConditionalAgentFailureResolvesFalse(t *testing.T) {
	client := newScriptedClient()
	// No scripted rule for the decision prompt: the agent call errors.
	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)
	r.mu.Lock()
	r.sess = newStubSession()
	r.mu.Unlock()

	verdict := r.evaluateCondition(context.Background(), "the page displays a promotion", nil)
	assert.False(t, verdict)
}

func TestConditionalWithoutLoopContextSkipsClassification(t *testing.T) {
	client := newScriptedClient()
	client.onStatic("Question about the current page", `{"answer": true}`)

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)
	r.mu.Lock()
	r.sess = newStubSession()
	r.mu.Unlock()

	verdict := r.evaluateCondition(context.Background(), "the cart contains at least one item", nil)
	assert.True(t, verdict)
	assert.Equal(t, 0, client.hits("Decide whether a condition holds"))
}
