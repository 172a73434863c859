package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/types"
)

func itemsJSON(from, to int) string {
	var items []map[string]interface{}
	for i := from; i < to; i++ {
		items = append(items, map[string]interface{}{"name": fmt.Sprintf("item-%d", i)})
	}
	b, _ := json.Marshal(map[string]interface{}{"items": items})
	return string(b)
}

func TestLoopPaginatedList(t *testing.T) {
	// 25 items served in pages of 10. The third pagination check reports
	// exhaustion.
	client := newScriptedClient()
	client.onStatic("You are a web automation agent", `{"action": "done"}`)
	client.on("List the items described below", func(req *llm.Request, nth int) (*llm.Response, error) {
		switch nth {
		case 1:
			return &llm.Response{Content: itemsJSON(0, 10)}, nil
		case 2:
			return &llm.Response{Content: itemsJSON(10, 20)}, nil
		case 3:
			return &llm.Response{Content: itemsJSON(20, 25)}, nil
		default:
			return &llm.Response{Content: `{"items": []}`}, nil
		}
	})
	client.on("This screenshot shows a page from which", func(req *llm.Request, nth int) (*llm.Response, error) {
		if nth < 3 {
			return &llm.Response{Content: `{"hasMore": true, "action": "click_next", "selectorHint": ".next"}`}, nil
		}
		return &llm.Response{Content: `{"hasMore": false, "action": "none"}`}, nil
	})

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "paginated-list",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each product in the list",
				Steps: []types.Step{
					{Kind: types.StepKindAgent, Description: "open the product detail"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 25, recorder.count(types.EventTypeLoopIterStart))
	assert.Equal(t, 25, recorder.count(types.EventTypeLoopIterEnd))
	assert.Equal(t, 3, client.hits("This screenshot shows a page from which"))

	// Iteration brackets are strictly ordered: each start precedes its end.
	starts, ends := 0, 0
	recorder.mu.Lock()
	for _, e := range recorder.events {
		switch e.Type {
		case types.EventTypeLoopIterStart:
			assert.Equal(t, starts, e.Iteration)
			starts++
		case types.EventTypeLoopIterEnd:
			assert.Equal(t, ends, e.Iteration)
			ends++
			assert.Equal(t, starts, ends)
		}
	}
	recorder.mu.Unlock()
}

func TestLoopStopsAfterConsecutiveEmptyAdvances(t *testing.T) {
	// Discovery always returns the same batch, so every advance after the
	// first pass yields zero new items.
	client := newScriptedClient()
	client.onStatic("You are a web automation agent", `{"action": "done"}`)
	client.onStatic("List the items described below", itemsJSON(0, 5))
	client.onStatic("This screenshot shows a page from which", `{"hasMore": true, "action": "click_next"}`)

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "sticky-pagination",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each row",
				Steps: []types.Step{
					{Kind: types.StepKindAgent, Description: "inspect the row"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, recorder.count(types.EventTypeLoopIterEnd))
	// Checks ran on the first pass and the first two empty ones; the
	// third empty pass tripped the bound before checking again.
	assert.Equal(t, 3, client.hits("This screenshot shows a page from which"))
}

func TestLoopClosesIterationTabs(t *testing.T) {
	client := newScriptedClient()
	client.onStatic("List the items described below", itemsJSON(0, 2))
	client.onStatic("This screenshot shows a page from which", `{"hasMore": false, "action": "none"}`)

	recorder := &eventRecorder{}
	r, provider := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "tabbed-loop",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each link",
				Steps: []types.Step{
					{Kind: types.StepKindTabNavigate, URL: "https://example.com/detail"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Each iteration opened a tab; cleanup closed it again.
	assert.Len(t, provider.sess.newTabs, 2)
	assert.Len(t, provider.sess.Tabs(), 1)
	assert.Equal(t, 0, provider.sess.ActiveTabIndex())
}

func TestLoopIterationFailureDoesNotStopLoop(t *testing.T) {
	client := newScriptedClient()
	client.on("You are a web automation agent", func(req *llm.Request, nth int) (*llm.Response, error) {
		if nth == 1 {
			return &llm.Response{Content: `{"action": "fail", "reasoning": "detail page broken"}`}, nil
		}
		return &llm.Response{Content: `{"action": "done"}`}, nil
	})
	client.onStatic("List the items described below", itemsJSON(0, 3))
	client.onStatic("This screenshot shows a page from which", `{"hasMore": false, "action": "none"}`)

	recorder := &eventRecorder{}
	r, _ := newTestRunner(client, recorder)

	wf := &types.Workflow{
		Name: "flaky-loop",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each entry",
				Steps: []types.Step{
					{Kind: types.StepKindAgent, Description: "open the entry"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)

	// The first iteration failed but all three ran.
	assert.Equal(t, 3, recorder.count(types.EventTypeLoopIterEnd))
	ends := recorder.ofType(types.EventTypeLoopIterEnd)
	assert.False(t, ends[0].Success)
	assert.True(t, ends[1].Success)
	assert.True(t, ends[2].Success)

	// The run itself reports failure because a recorded step failed.
	assert.False(t, result.Success)
}

func TestConfiguredModelReachesVisionRequests(t *testing.T) {
	// The default extraction engine must inherit the runner's model, so
	// pagination checks and item discovery never fall back to the
	// provider default.
	client := newScriptedClient()
	var itemsModel, visionModel string
	client.on("List the items described below", func(req *llm.Request, nth int) (*llm.Response, error) {
		itemsModel = req.Model
		return &llm.Response{Content: itemsJSON(0, 1)}, nil
	})
	client.on("This screenshot shows a page from which", func(req *llm.Request, nth int) (*llm.Response, error) {
		visionModel = req.Model
		return &llm.Response{Content: `{"hasMore": false, "action": "none"}`}, nil
	})

	recorder := &eventRecorder{}
	provider := newStubProvider()
	r := NewRunner(client, nil,
		WithSessionProvider(provider),
		WithEventHandler(recorder.handle),
		WithModel("operator-configured-model"),
	)

	wf := &types.Workflow{
		Name: "model-threading",
		Steps: []types.Step{
			{
				Kind:        types.StepKindLoop,
				Description: "each row",
				Steps: []types.Step{
					{Kind: types.StepKindNavigate, URL: "https://example.test/row"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "operator-configured-model", itemsModel)
	assert.Equal(t, "operator-configured-model", visionModel)
}
