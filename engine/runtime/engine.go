package runtime

import (
	"context"

	"github.com/pipevm/pipevm/engine/condition"
	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/config"
	"github.com/pipevm/pipevm/pkg/logger"
	"github.com/pipevm/pipevm/pkg/tplengine"
)

// Engine ties the interpreter together: template engine, condition
// evaluator, executor and pipeline registries, safety manager, dispatcher.
// One Engine serves many runs; each Run gets its own execution context and
// budget.
type Engine struct {
	cfg        *config.Config
	executors  *ExecutorRegistry
	pipelines  *pipeline.Registry
	dispatcher *Dispatcher
}

// Option customizes an Engine at construction time.
type Option func(*engineOptions)

type engineOptions struct {
	checkpoint CheckpointHook
	celOpts    []condition.CELOption
}

// WithCheckpoint installs a hook that observes state after every completed
// step. Hook failures are logged, never fatal.
func WithCheckpoint(hook CheckpointHook) Option {
	return func(o *engineOptions) {
		o.checkpoint = hook
	}
}

// WithCELOptions forwards options to the condition evaluator.
func WithCELOptions(opts ...condition.CELOption) Option {
	return func(o *engineOptions) {
		o.celOpts = append(o.celOpts, opts...)
	}
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}
	cel, err := condition.NewCELEvaluator(options.celOpts...)
	if err != nil {
		return nil, err
	}
	tpl := tplengine.NewEngine()
	conditions := condition.NewEvaluator(cel, tpl)
	executors := NewExecutorRegistry()
	pipelines, err := pipeline.NewRegistry(cfg.Runtime.DefinitionCacheSize, executors)
	if err != nil {
		return nil, err
	}
	safety := NewSafetyManager(cfg.Limits)
	dispatcher := NewDispatcher(executors, pipelines, tpl, conditions, safety, options.checkpoint, Defaults{
		StepTimeout:    cfg.Runtime.StepTimeout,
		MaxLoopWorkers: cfg.Limits.MaxLoopWorkers,
	})
	return &Engine{
		cfg:        cfg,
		executors:  executors,
		pipelines:  pipelines,
		dispatcher: dispatcher,
	}, nil
}

// RegisterExecutor makes a step executor available to every pipeline this
// engine runs. Reserved control-flow types are rejected.
func (e *Engine) RegisterExecutor(stepType string, executor Executor) error {
	return e.executors.Register(stepType, executor)
}

// RegisterPipeline adds a named definition for pipeline_ref composition.
func (e *Engine) RegisterPipeline(cfg *pipeline.Config) error {
	return e.pipelines.Register(cfg)
}

// Result is the outcome of one top-level run.
type Result struct {
	ExecID    string         `json:"exec_id"`
	Pipeline  string         `json:"pipeline"`
	Status    core.Status    `json:"status"`
	Results   map[string]any `json:"results"`
	Variables map[string]any `json:"variables"`
	Failure   *StepFailure   `json:"failure,omitempty"`
}

// Run executes a validated pipeline definition to completion. Partial
// results survive failures: the returned Result always carries everything
// recorded before the failing step, and the error (when non-nil) is the
// structured step failure.
func (e *Engine) Run(ctx context.Context, cfg *pipeline.Config, inputs map[string]any) (*Result, error) {
	if cfg == nil {
		return nil, core.Errorf(core.CodeConfiguration, "no pipeline definition")
	}
	variables, err := cfg.SeedVariables(inputs)
	if err != nil {
		return nil, core.NewError(err, core.CodeConfiguration, nil)
	}
	budget := NewBudget(e.cfg.Limits.MaxTotalSteps, e.cfg.Limits.MaxDuration)
	ec := NewRootContext(cfg.Name, cfg.Identity(), variables, budget)
	log := logger.FromContext(ctx)
	log.Info("starting pipeline run",
		"pipeline", cfg.Name, "exec_id", ec.ExecID, "steps", len(cfg.Steps))
	runErr := e.dispatcher.Execute(ctx, cfg.Steps, ec)
	result := &Result{
		ExecID:    ec.ExecID.String(),
		Pipeline:  cfg.Name,
		Status:    core.StatusSuccess,
		Results:   ec.Results.AsMap(),
		Variables: ec.Variables,
	}
	if runErr != nil {
		result.Status = core.StatusFailed
		if chain := FailureChain(runErr); len(chain) > 0 {
			result.Failure = chain[0]
		}
		log.Error("pipeline run failed",
			"pipeline", cfg.Name, "exec_id", ec.ExecID, "error", runErr)
		return result, runErr
	}
	log.Info("pipeline run finished",
		"pipeline", cfg.Name, "exec_id", ec.ExecID, "steps", ec.Results.Len())
	return result, nil
}

// RunFile loads, validates, and runs a pipeline definition from disk.
func (e *Engine) RunFile(ctx context.Context, path string, inputs map[string]any) (*Result, error) {
	cfg, err := e.pipelines.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, cfg, inputs)
}
