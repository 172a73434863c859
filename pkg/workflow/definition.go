package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/waypoint/pkg/types"
)

// LoadDefinition reads a workflow from a YAML or JSON file and validates
// its step tree.
func LoadDefinition(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var wf types.Workflow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workflow file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workflow file: %w", err)
		}
	}

	if err := ValidateWorkflow(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ValidateWorkflow checks that the step tree is well formed before a run
// starts, so malformed definitions fail fast instead of mid-run.
func ValidateWorkflow(wf *types.Workflow) error {
	if wf.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", wf.Name)
	}
	return validateSteps(wf.Steps, "steps")
}

func validateSteps(steps []types.Step, path string) error {
	for i := range steps {
		if err := validateStep(&steps[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step *types.Step, path string) error {
	switch step.Kind {
	case types.StepKindNavigate, types.StepKindTabNavigate:
		if step.URL == "" {
			return fmt.Errorf("%s: %s step requires a url", path, step.Kind)
		}
	case types.StepKindAgent, types.StepKindExtract, types.StepKindSave:
		if step.Description == "" {
			return fmt.Errorf("%s: %s step requires a description", path, step.Kind)
		}
	case types.StepKindConditional:
		if step.Condition == "" {
			return fmt.Errorf("%s: conditional step requires a condition", path)
		}
		if len(step.TrueSteps) == 0 && len(step.FalseSteps) == 0 {
			return fmt.Errorf("%s: conditional step requires at least one branch", path)
		}
		if err := validateSteps(step.TrueSteps, path+".trueSteps"); err != nil {
			return err
		}
		if err := validateSteps(step.FalseSteps, path+".falseSteps"); err != nil {
			return err
		}
	case types.StepKindLoop:
		if step.Description == "" {
			return fmt.Errorf("%s: loop step requires a description", path)
		}
		if len(step.Steps) == 0 {
			return fmt.Errorf("%s: loop step requires a body", path)
		}
		if err := validateSteps(step.Steps, path+".steps"); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("%s: step has no type", path)
	default:
		return fmt.Errorf("%s: unknown step type %q", path, step.Kind)
	}
	return nil
}
