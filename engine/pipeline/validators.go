package pipeline

import (
	"fmt"

	"github.com/pipevm/pipevm/engine/core"
)

// KnownTypes answers whether a step type has a registered executor. Control
// flow types are always known.
type KnownTypes interface {
	HasType(stepType string) bool
}

// KnownTypeSet is a plain set implementation of KnownTypes.
type KnownTypeSet map[string]struct{}

func (s KnownTypeSet) HasType(stepType string) bool {
	_, ok := s[stepType]
	return ok
}

// Validate runs the static validation pass: unique sibling step names, known
// step types, well-formed control-flow configuration. It recurses into loop
// bodies and inline pipelines so configuration errors surface before any
// step runs.
func (c *Config) Validate(known KnownTypes) error {
	if c.Name == "" {
		return core.Errorf(core.CodeConfiguration, "pipeline name is required")
	}
	if len(c.Steps) == 0 {
		return core.Errorf(core.CodeConfiguration, "pipeline %q has no steps", c.Name)
	}
	return validateSteps(c.Name, c.Steps, known)
}

func validateSteps(scope string, steps []Step, known KnownTypes) error {
	seen := make(map[string]struct{}, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.Name == "" {
			return core.Errorf(core.CodeConfiguration, "%s: step %d has no name", scope, i)
		}
		if _, dup := seen[step.Name]; dup {
			return core.Errorf(core.CodeConfiguration, "%s: duplicate step name %q", scope, step.Name)
		}
		seen[step.Name] = struct{}{}
		if err := validateStep(scope, step, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(scope string, step *Step, known KnownTypes) error {
	at := fmt.Sprintf("%s/%s", scope, step.Name)
	if step.Condition != nil {
		if err := step.Condition.Validate(); err != nil {
			return fmt.Errorf("%s: invalid condition: %w", at, err)
		}
	}
	switch step.Type {
	case "":
		return core.Errorf(core.CodeConfiguration, "%s: step type is required", at)
	case StepTypeForLoop:
		return validateForLoop(at, step, known)
	case StepTypeWhile:
		return validateWhileLoop(at, step, known)
	case StepTypePipeline:
		return validatePipelineStep(at, step, known)
	default:
		if known != nil && !known.HasType(step.Type) {
			return core.Errorf(core.CodeConfiguration, "%s: unknown step type %q", at, step.Type)
		}
		return nil
	}
}

func validateForLoop(at string, step *Step, known KnownTypes) error {
	if step.DataSource == nil {
		return core.Errorf(core.CodeConfiguration, "%s: for_loop requires data_source", at)
	}
	if step.Iterator == "" {
		return core.Errorf(core.CodeConfiguration, "%s: for_loop requires an iterator name", at)
	}
	if len(step.Steps) == 0 {
		return core.Errorf(core.CodeConfiguration, "%s: for_loop requires a non-empty body", at)
	}
	if step.MaxWorkers < 0 {
		return core.Errorf(core.CodeConfiguration, "%s: max_workers cannot be negative", at)
	}
	return validateSteps(at, step.Steps, known)
}

func validateWhileLoop(at string, step *Step, known KnownTypes) error {
	if step.While.IsZero() {
		return core.Errorf(core.CodeConfiguration, "%s: while_loop requires a while condition", at)
	}
	if err := step.While.Validate(); err != nil {
		return fmt.Errorf("%s: invalid while condition: %w", at, err)
	}
	// The iteration ceiling is mandatory; the condition alone never bounds
	// a while_loop.
	if step.MaxIterations <= 0 {
		return core.Errorf(core.CodeConfiguration, "%s: while_loop requires max_iterations > 0", at)
	}
	if len(step.Steps) == 0 {
		return core.Errorf(core.CodeConfiguration, "%s: while_loop requires a non-empty body", at)
	}
	return validateSteps(at, step.Steps, known)
}

func validatePipelineStep(at string, step *Step, known KnownTypes) error {
	sources := 0
	if step.PipelineFile != "" {
		sources++
	}
	if step.PipelineRef != "" {
		sources++
	}
	if step.Pipeline != nil {
		sources++
	}
	if sources != 1 {
		return core.Errorf(core.CodeConfiguration,
			"%s: pipeline step requires exactly one of pipeline_file, pipeline_ref, or an inline pipeline; got %d", at, sources)
	}
	if step.Pipeline != nil {
		if err := step.Pipeline.Validate(known); err != nil {
			return fmt.Errorf("%s: invalid inline pipeline: %w", at, err)
		}
	}
	if step.Nested != nil && step.Nested.Timeout != "" {
		if _, err := core.ParseHumanDuration(step.Nested.Timeout); err != nil {
			return core.NewError(fmt.Errorf("%s: %w", at, err), core.CodeConfiguration, nil)
		}
	}
	for _, extract := range step.Outputs {
		if extract.Path == "" {
			return core.Errorf(core.CodeConfiguration, "%s: output extraction requires a path", at)
		}
	}
	return nil
}
