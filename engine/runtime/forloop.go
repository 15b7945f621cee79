package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/logger"
)

// runForLoop expands a for_loop step: the data source is resolved once
// against the parent scope, then the body runs once per element with the
// iterator and index bound in a fresh loop frame. Iteration results are
// collected in data-source order regardless of execution order.
func (d *Dispatcher) runForLoop(ctx context.Context, step *pipeline.Step, ec *ExecutionContext) (core.Output, error) {
	resolved, err := d.tpl.ResolveValue(step.DataSource, ec.Scope())
	if err != nil {
		return nil, err
	}
	elements, ok := core.AsSequence(resolved)
	if !ok {
		return nil, core.Errorf(core.CodeResolution,
			"data_source for step %q resolved to %T, expected a sequence", step.Name, resolved)
	}
	if len(elements) == 0 {
		return core.WrapValue([]any{}), nil
	}
	if step.Parallel {
		return d.runForLoopParallel(ctx, step, ec, elements)
	}
	return d.runForLoopSequential(ctx, step, ec, elements)
}

func (d *Dispatcher) runForLoopSequential(
	ctx context.Context,
	step *pipeline.Step,
	ec *ExecutionContext,
	elements []any,
) (core.Output, error) {
	breakOnError := step.BreakOnErrorOrDefault()
	collected := make([]any, 0, len(elements))
	for i, element := range elements {
		result, err := d.runIteration(ctx, step, ec, element, i, false)
		if err != nil {
			if breakOnError || core.IsCode(err, core.CodeSafetyDenial) {
				return nil, fmt.Errorf("iteration %d of %q failed: %w", i, step.Name, err)
			}
			logger.FromContext(ctx).Warn("loop iteration failed, continuing",
				"step", step.Name, "index", i, "error", err)
			collected = append(collected, iterationFailure(err))
			continue
		}
		collected = append(collected, result)
	}
	return core.WrapValue(collected), nil
}

func (d *Dispatcher) runForLoopParallel(
	ctx context.Context,
	step *pipeline.Step,
	ec *ExecutionContext,
	elements []any,
) (core.Output, error) {
	breakOnError := step.BreakOnErrorOrDefault()
	workers := step.MaxWorkers
	if workers <= 0 {
		workers = d.defaults.MaxLoopWorkers
	}
	collected := make([]any, len(elements))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i, element := range elements {
		group.Go(func() error {
			result, err := d.runIteration(groupCtx, step, ec, element, i, true)
			if err != nil {
				if breakOnError || core.IsCode(err, core.CodeSafetyDenial) {
					return fmt.Errorf("iteration %d of %q failed: %w", i, step.Name, err)
				}
				logger.FromContext(groupCtx).Warn("loop iteration failed, continuing",
					"step", step.Name, "index", i, "error", err)
				collected[i] = iterationFailure(err)
				return nil
			}
			collected[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return core.WrapValue(collected), nil
}

// runIteration runs the loop body once on its own iteration context and
// returns the iteration's value: the result of the last body step that
// produced one, unwrapped.
func (d *Dispatcher) runIteration(
	ctx context.Context,
	step *pipeline.Step,
	ec *ExecutionContext,
	element any,
	index int,
	isolate bool,
) (any, error) {
	frame := LoopFrame{
		"index": index,
		"item":  element,
	}
	if step.Iterator != "" {
		frame[step.Iterator] = element
	}
	iter, err := ec.newIterationContext(frame, isolate)
	if err != nil {
		return nil, err
	}
	if err := d.Execute(ctx, step.Steps, iter); err != nil {
		return nil, err
	}
	return lastResult(iter.Results), nil
}

// lastResult picks the newest recorded result, or nil when every body step
// was skipped.
func lastResult(results *ResultSet) any {
	names := results.Names()
	if len(names) == 0 {
		return nil
	}
	output, _ := results.Get(names[len(names)-1])
	return core.UnwrapValue(output)
}

func iterationFailure(err error) map[string]any {
	entry := map[string]any{
		"status": string(core.StatusFailed),
		"error":  err.Error(),
	}
	if coreErr := core.AsError(err); coreErr != nil {
		entry["code"] = string(coreErr.Code)
	}
	return entry
}
