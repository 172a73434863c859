package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/types"
)

const sampleYAML = `name: price-watch
startingUrl: https://shop.example.com
inputs:
  - name: category
    value: tools
steps:
  - type: navigate
    url: https://shop.example.com/tools
  - type: loop
    description: each product card
    steps:
      - type: extract
        description: get the product price
        dataSchema: '{"price": "number", "name": "string"}'
      - type: conditional
        condition: item.price > 100
        trueSteps:
          - type: step
            description: add the product to the watchlist
  - type: save
    description: save all prices as csv
`

func writeDefinition(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitionYAML(t *testing.T) {
	wf, err := LoadDefinition(writeDefinition(t, "wf.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "price-watch", wf.Name)
	assert.Equal(t, "https://shop.example.com", wf.StartingURL)
	require.Len(t, wf.Inputs, 1)
	require.Len(t, wf.Steps, 3)

	loop := wf.Steps[1]
	assert.Equal(t, types.StepKindLoop, loop.Kind)
	require.Len(t, loop.Steps, 2)
	cond := loop.Steps[1]
	assert.Equal(t, types.StepKindConditional, cond.Kind)
	require.Len(t, cond.TrueSteps, 1)
	assert.Equal(t, types.StepKindAgent, cond.TrueSteps[0].Kind)
}

func TestLoadDefinitionJSON(t *testing.T) {
	content := `{"name": "quick", "steps": [{"type": "navigate", "url": "https://example.com"}]}`
	wf, err := LoadDefinition(writeDefinition(t, "wf.json", content))
	require.NoError(t, err)
	assert.Equal(t, "quick", wf.Name)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, types.StepKindNavigate, wf.Steps[0].Kind)
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	_, err := LoadDefinition(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateWorkflowErrors(t *testing.T) {
	cases := []struct {
		name string
		wf   types.Workflow
		want string
	}{
		{
			name: "no name",
			wf:   types.Workflow{Steps: []types.Step{{Kind: types.StepKindNavigate, URL: "https://x"}}},
			want: "no name",
		},
		{
			name: "no steps",
			wf:   types.Workflow{Name: "empty"},
			want: "no steps",
		},
		{
			name: "navigate without url",
			wf:   types.Workflow{Name: "w", Steps: []types.Step{{Kind: types.StepKindNavigate}}},
			want: "requires a url",
		},
		{
			name: "agent without description",
			wf:   types.Workflow{Name: "w", Steps: []types.Step{{Kind: types.StepKindAgent}}},
			want: "requires a description",
		},
		{
			name: "conditional without branches",
			wf:   types.Workflow{Name: "w", Steps: []types.Step{{Kind: types.StepKindConditional, Condition: "x > 1"}}},
			want: "at least one branch",
		},
		{
			name: "loop without body",
			wf:   types.Workflow{Name: "w", Steps: []types.Step{{Kind: types.StepKindLoop, Description: "items"}}},
			want: "requires a body",
		},
		{
			name: "unknown type",
			wf:   types.Workflow{Name: "w", Steps: []types.Step{{Kind: "teleport"}}},
			want: "unknown step type",
		},
		{
			name: "nested error is located",
			wf: types.Workflow{Name: "w", Steps: []types.Step{{
				Kind:        types.StepKindLoop,
				Description: "items",
				Steps:       []types.Step{{Kind: types.StepKindExtract}},
			}}},
			want: "steps[0].steps[0]",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWorkflow(&tc.wf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
