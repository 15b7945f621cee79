package runtime

import (
	"context"
	"fmt"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/logger"
)

// Termination causes reported by while_loop results.
const (
	TerminatedByCondition     = "condition_false"
	TerminatedByMaxIterations = "max_iterations"
)

// runWhileLoop re-evaluates the while condition before every iteration and
// runs the body until it turns false or max_iterations is reached. The
// condition reads the scope left by the previous iteration, so bodies carry
// state forward through exported results and variables.
func (d *Dispatcher) runWhileLoop(ctx context.Context, step *pipeline.Step, ec *ExecutionContext) (core.Output, error) {
	if step.While == nil || step.While.IsZero() {
		return nil, core.Errorf(core.CodeConfiguration, "while_loop %q has no while condition", step.Name)
	}
	if step.MaxIterations <= 0 {
		return nil, core.Errorf(core.CodeConfiguration,
			"while_loop %q requires max_iterations > 0", step.Name)
	}
	breakOnError := step.BreakOnErrorOrDefault()
	terminatedBy := TerminatedByMaxIterations
	collected := make([]any, 0, step.MaxIterations)
	conditionScope := ec.Scope
	iterations := 0
	for ; iterations < step.MaxIterations; iterations++ {
		proceed, err := d.conditions.Evaluate(ctx, step.While, conditionScope())
		if err != nil {
			return nil, fmt.Errorf("while condition of %q failed: %w", step.Name, err)
		}
		if !proceed {
			terminatedBy = TerminatedByCondition
			break
		}
		frame := LoopFrame{"index": iterations, "iteration": iterations}
		iter, err := ec.newIterationContext(frame, false)
		if err != nil {
			return nil, err
		}
		if err := d.Execute(ctx, step.Steps, iter); err != nil {
			if breakOnError || core.IsCode(err, core.CodeSafetyDenial) {
				return nil, fmt.Errorf("iteration %d of %q failed: %w", iterations, step.Name, err)
			}
			logger.FromContext(ctx).Warn("loop iteration failed, continuing",
				"step", step.Name, "iteration", iterations, "error", err)
			collected = append(collected, iterationFailure(err))
			conditionScope = iter.Scope
			continue
		}
		collected = append(collected, lastResult(iter.Results))
		conditionScope = iter.Scope
	}
	return core.Output{
		"iterations":    iterations,
		"terminated_by": terminatedBy,
		"results":       collected,
	}, nil
}
