package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pipevm/pipevm/engine/condition"
	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/logger"
	"github.com/pipevm/pipevm/pkg/tplengine"
)

// Defaults carries the per-run fallbacks applied when a step does not
// configure its own.
type Defaults struct {
	StepTimeout    time.Duration
	MaxLoopWorkers int
}

// Dispatcher runs step lists in declaration order. It is sequential within
// one step list; concurrency enters only through parallel for_loop
// iterations, which run on their own iteration contexts.
type Dispatcher struct {
	executors  *ExecutorRegistry
	pipelines  *pipeline.Registry
	tpl        *tplengine.TemplateEngine
	conditions *condition.Evaluator
	safety     *SafetyManager
	checkpoint CheckpointHook
	defaults   Defaults

	// onNestedCleanup observes nested-context cleanup, used by tests to
	// assert exactly-once release.
	onNestedCleanup func(execID core.ID)
}

func NewDispatcher(
	executors *ExecutorRegistry,
	pipelines *pipeline.Registry,
	tpl *tplengine.TemplateEngine,
	conditions *condition.Evaluator,
	safety *SafetyManager,
	checkpoint CheckpointHook,
	defaults Defaults,
) *Dispatcher {
	if checkpoint == nil {
		checkpoint = noopCheckpoint{}
	}
	if defaults.MaxLoopWorkers <= 0 {
		defaults.MaxLoopWorkers = 4
	}
	return &Dispatcher{
		executors:  executors,
		pipelines:  pipelines,
		tpl:        tpl,
		conditions: conditions,
		safety:     safety,
		checkpoint: checkpoint,
		defaults:   defaults,
	}
}

// Execute runs the steps in order against ec. On failure it returns the
// structured failure; results accumulated before the failure stay recorded.
func (d *Dispatcher) Execute(ctx context.Context, steps []pipeline.Step, ec *ExecutionContext) error {
	log := logger.FromContext(ctx)
	for i := range steps {
		step := &steps[i]
		info := stepInfo{name: step.Name, stepType: step.Type}
		if err := ctx.Err(); err != nil {
			code := core.CodeTimeout
			if errors.Is(err, context.Canceled) {
				code = core.CodeCanceled
			}
			return newStepFailure(ec, info, core.NewError(err, code, nil))
		}
		if ec.Budget.Expired() {
			return newStepFailure(ec, info, core.Errorf(core.CodeTimeout, "time budget exhausted"))
		}
		if !ec.Budget.ConsumeStep() {
			return newStepFailure(ec, info, core.Errorf(core.CodeSafetyDenial,
				"step budget exhausted before step %q", step.Name).
				WithDetail("reason", ReasonStepBudget).
				WithDetail("ancestry", ec.Ancestry))
		}
		if step.Condition != nil && !step.Condition.IsZero() {
			ok, err := d.conditions.Evaluate(ctx, step.Condition, ec.Scope())
			if err != nil {
				return newStepFailure(ec, info, err)
			}
			if !ok {
				// Skipped steps never count against the step budget.
				ec.Budget.Release(1)
				log.Info("skipping step: condition is false",
					"pipeline", ec.PipelineName, "step", step.Name, "status", core.StatusSkipped)
				continue
			}
		}
		log.Debug("dispatching step",
			"pipeline", ec.PipelineName, "step", step.Name, "type", step.Type, "depth", ec.Depth)
		output, err := d.runStep(ctx, step, ec)
		if err != nil {
			if core.IsCode(err, core.CodeSafetyDenial) {
				// Safety denials are never downgraded, best-effort or not.
				return asStepFailure(ec, info, err)
			}
			if step.BestEffort {
				log.Warn("best-effort step failed, continuing",
					"pipeline", ec.PipelineName, "step", step.Name, "error", err)
				failed := core.Output{
					"status": string(core.StatusFailed),
					"error":  err.Error(),
				}
				if recordErr := ec.Results.Record(step.Name, failed); recordErr != nil {
					return newStepFailure(ec, info, recordErr)
				}
				continue
			}
			return asStepFailure(ec, info, err)
		}
		if err := ec.Results.Record(step.Name, output); err != nil {
			return newStepFailure(ec, info, err)
		}
		if step.Export {
			if err := ec.ExportResult(output); err != nil {
				return newStepFailure(ec, info, err)
			}
		}
		d.saveCheckpoint(ctx, step.Name, ec)
	}
	return nil
}

// runStep dispatches one step to the interpreter's control-flow handling or
// to the registered executor for its type.
func (d *Dispatcher) runStep(ctx context.Context, step *pipeline.Step, ec *ExecutionContext) (core.Output, error) {
	switch step.Type {
	case pipeline.StepTypeForLoop:
		return d.runForLoop(ctx, step, ec)
	case pipeline.StepTypeWhile:
		return d.runWhileLoop(ctx, step, ec)
	case pipeline.StepTypePipeline:
		return d.runNested(ctx, step, ec)
	default:
		return d.runExecutor(ctx, step, ec)
	}
}

func (d *Dispatcher) runExecutor(ctx context.Context, step *pipeline.Step, ec *ExecutionContext) (core.Output, error) {
	executor, ok := d.executors.Lookup(step.Type)
	if !ok {
		// The static validation pass catches this at load time; checked
		// again here for steps injected without validation.
		return nil, core.Errorf(core.CodeConfiguration, "unknown step type %q", step.Type)
	}
	input, err := d.tpl.ResolveInput(step.With, ec.Scope())
	if err != nil {
		return nil, err
	}
	view, err := ec.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot context: %w", err)
	}
	timeout, err := step.ResolveTimeout(d.defaults.StepTimeout)
	if err != nil {
		return nil, core.NewError(err, core.CodeConfiguration, nil)
	}
	if remaining := ec.Budget.TimeRemaining(); remaining > 0 && (timeout <= 0 || remaining < timeout) {
		timeout = remaining
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	value, err := d.invokeWithRetry(stepCtx, step, executor, input, view)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, core.NewError(
				fmt.Errorf("step %q timed out after %s: %w", step.Name, timeout, err),
				core.CodeTimeout, nil,
			)
		}
		if errors.Is(err, context.Canceled) || errors.Is(stepCtx.Err(), context.Canceled) {
			return nil, core.NewError(
				fmt.Errorf("step %q canceled: %w", step.Name, err),
				core.CodeCanceled, nil,
			)
		}
		if coreErr := core.AsError(err); coreErr.Code != core.CodeExecutor {
			return nil, coreErr
		}
		return nil, core.NewError(
			fmt.Errorf("executor for step %q failed: %w", step.Name, err),
			core.CodeExecutor, nil,
		)
	}
	output := core.WrapValue(value)
	if len(step.Outputs) > 0 {
		extracted, err := applyExtracts(map[string]any(output), step.Outputs)
		if err != nil {
			return nil, err
		}
		output = extracted
	}
	return output, nil
}

// invokeWithRetry replays the executor call per the step's retry policy.
// Only executor steps retry; control flow and composition never do.
func (d *Dispatcher) invokeWithRetry(
	ctx context.Context,
	step *pipeline.Step,
	executor Executor,
	input core.Input,
	view *ContextView,
) (any, error) {
	policy, err := step.Retry.Resolve()
	if err != nil {
		return nil, core.NewError(err, core.CodeConfiguration, nil)
	}
	if policy.MaximumAttempts <= 1 {
		return executor.Execute(ctx, input, view)
	}
	backoff := retry.WithCappedDuration(policy.MaximumInterval, retry.NewExponential(policy.InitialInterval))
	backoff = retry.WithMaxRetries(uint64(policy.MaximumAttempts-1), backoff)
	var value any
	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, execErr := executor.Execute(ctx, input, view)
		if execErr != nil {
			return retry.RetryableError(execErr)
		}
		value = result
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return value, nil
}

// applyExtracts selects and aliases paths from a result scope.
func applyExtracts(scope map[string]any, extracts []pipeline.Extract) (core.Output, error) {
	out := make(core.Output, len(extracts))
	for _, extract := range extracts {
		value, err := tplengine.TraversePath(scope, extract.Path)
		if err != nil {
			return nil, fmt.Errorf("output extraction %q failed: %w", extract.Path, err)
		}
		out[extract.Alias()] = value
	}
	return out, nil
}

func (d *Dispatcher) saveCheckpoint(ctx context.Context, stepName string, ec *ExecutionContext) {
	view, err := ec.Snapshot()
	if err != nil {
		logger.FromContext(ctx).Warn("checkpoint snapshot failed", "step", stepName, "error", err)
		return
	}
	snapshot := &Snapshot{
		Pipeline:  ec.PipelineName,
		ExecID:    ec.ExecID.String(),
		Step:      stepName,
		Depth:     ec.Depth,
		Results:   view.Results,
		Variables: view.Variables,
		TakenAt:   time.Now(),
	}
	if err := d.checkpoint.Save(ctx, snapshot); err != nil {
		logger.FromContext(ctx).Warn("checkpoint hook failed", "step", stepName, "error", err)
	}
}

func asStepFailure(ec *ExecutionContext, info stepInfo, err error) error {
	var failure *StepFailure
	if errors.As(err, &failure) {
		return err
	}
	return newStepFailure(ec, info, err)
}

// describeAncestry renders an ancestry chain for log lines.
func describeAncestry(ancestry []string) string {
	return strings.Join(ancestry, " -> ")
}
