package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/logger"
)

// runNested invokes another pipeline as a step. The safety manager must
// authorize the invocation before any child resource exists; after that,
// workspace and budget cleanup runs exactly once on every exit path.
func (d *Dispatcher) runNested(ctx context.Context, step *pipeline.Step, ec *ExecutionContext) (core.Output, error) {
	cfg, err := d.resolveNestedConfig(step, ec)
	if err != nil {
		return nil, err
	}
	identity := cfg.Identity()
	if err := d.safety.Authorize(ec, identity, step.Nested); err != nil {
		return nil, err
	}
	inputs, err := d.tpl.ResolveInput(step.Inputs, ec.Scope())
	if err != nil {
		return nil, err
	}
	variables, err := cfg.SeedVariables(inputs)
	if err != nil {
		return nil, core.NewError(err, core.CodeConfiguration, nil)
	}
	budget, timeout, err := d.nestedBudget(ec, step.Nested)
	if err != nil {
		return nil, err
	}
	inherit := step.Nested != nil && step.Nested.InheritVariables
	child := ec.NewChildContext(cfg.Name, identity, variables, budget, inherit)

	workspace, err := os.MkdirTemp("", "pipevm-")
	if err != nil {
		return nil, core.NewError(err, core.CodeConfiguration, nil)
	}
	child.Workspace = workspace
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			logger.FromContext(ctx).Warn("workspace cleanup failed",
				"pipeline", cfg.Name, "workspace", workspace, "error", rmErr)
		}
		if d.onNestedCleanup != nil {
			d.onNestedCleanup(child.ExecID)
		}
	}()

	childCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		childCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := logger.FromContext(ctx)
	log.Info("entering nested pipeline",
		"pipeline", cfg.Name, "depth", child.Depth, "ancestry", describeAncestry(child.Ancestry))
	if err := d.Execute(childCtx, cfg.Steps, child); err != nil {
		if errors.Is(childCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewError(err, core.CodeTimeout, map[string]any{"timeout": timeout.String()})
		}
		return nil, wrapNestedFailure(step, ec, cfg.Name, err)
	}
	log.Debug("nested pipeline finished",
		"pipeline", cfg.Name, "steps", child.Results.Len())
	return nestedOutput(step, child)
}

// resolveNestedConfig picks the child definition from the step's single
// source: a file path, a registry reference, or an inline pipeline.
func (d *Dispatcher) resolveNestedConfig(step *pipeline.Step, ec *ExecutionContext) (*pipeline.Config, error) {
	switch {
	case step.PipelineFile != "":
		path := step.PipelineFile
		if !filepath.IsAbs(path) {
			if base, ok := strings.CutPrefix(ec.Identity, "file:"); ok {
				path = filepath.Join(filepath.Dir(base), path)
			}
		}
		return d.pipelines.LoadFile(path)
	case step.PipelineRef != "":
		return d.pipelines.LookupRef(step.PipelineRef)
	case step.Pipeline != nil:
		return step.Pipeline, nil
	default:
		return nil, core.Errorf(core.CodeConfiguration,
			"pipeline step %q names no pipeline source", step.Name)
	}
}

// nestedBudget derives the child budget: the parent's, optionally capped
// tighter by the step's nested options. The returned timeout bounds the
// child run and never exceeds the remaining time budget.
func (d *Dispatcher) nestedBudget(ec *ExecutionContext, opts *pipeline.NestedOpts) (*Budget, time.Duration, error) {
	budget := ec.Budget
	var timeout time.Duration
	if opts != nil && opts.Timeout != "" {
		parsed, err := core.ParseHumanDuration(opts.Timeout)
		if err != nil {
			return nil, 0, core.NewError(err, core.CodeConfiguration, nil)
		}
		timeout = parsed
	}
	if opts != nil && (opts.MaxTotalSteps > 0 || timeout > 0) {
		budget = budget.Cap(opts.MaxTotalSteps, timeout)
	}
	if remaining := ec.Budget.TimeRemaining(); remaining > 0 && (timeout <= 0 || remaining < timeout) {
		timeout = remaining
	}
	return budget, timeout, nil
}

// nestedOutput builds the step result from the child's results: the full
// result map by default, or only the extracted paths when outputs are set.
func nestedOutput(step *pipeline.Step, child *ExecutionContext) (core.Output, error) {
	scope := child.Results.AsScope()
	if len(step.Outputs) == 0 {
		return core.Output(scope), nil
	}
	return applyExtracts(scope, step.Outputs)
}

func wrapNestedFailure(step *pipeline.Step, ec *ExecutionContext, childName string, err error) error {
	var childFailure *StepFailure
	errors.As(err, &childFailure)
	return &NestedFailure{
		StepFailure: StepFailure{
			StepName: step.Name,
			StepType: step.Type,
			Pipeline: ec.PipelineName,
			Ancestry: append([]string(nil), ec.Ancestry...),
			Cause:    core.AsError(err),
			wrapped:  err,
		},
		ChildPipeline: childName,
		Child:         childFailure,
	}
}
