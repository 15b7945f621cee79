package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
)

// ContextView is the read-only snapshot of execution state handed to step
// executors. It is a deep copy; mutating it has no effect on the run.
type ContextView struct {
	Pipeline  string
	Results   map[string]any
	Variables map[string]any
	Workspace string
}

// Executor is the step executor contract. The interpreter passes only
// resolved configuration (templates already substituted) and a read-only
// context view. Executors must support cooperative cancellation through ctx.
type Executor interface {
	Execute(ctx context.Context, input core.Input, view *ContextView) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input core.Input, view *ContextView) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input core.Input, view *ContextView) (any, error) {
	return f(ctx, input, view)
}

// ExecutorRegistry is the dispatch table from step type to executor. Control
// flow types are reserved: the interpreter handles them itself and rejects
// registrations for them.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

func (r *ExecutorRegistry) Register(stepType string, executor Executor) error {
	if stepType == "" {
		return core.Errorf(core.CodeConfiguration, "step type cannot be empty")
	}
	if executor == nil {
		return core.Errorf(core.CodeConfiguration, "executor for %q cannot be nil", stepType)
	}
	switch stepType {
	case pipeline.StepTypeForLoop, pipeline.StepTypeWhile, pipeline.StepTypePipeline:
		return core.Errorf(core.CodeConfiguration, "step type %q is reserved for the interpreter", stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[stepType]; exists {
		return core.Errorf(core.CodeConfiguration, "step type %q is already registered", stepType)
	}
	r.executors[stepType] = executor
	return nil
}

func (r *ExecutorRegistry) Lookup(stepType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepType]
	return executor, ok
}

// HasType satisfies pipeline.KnownTypes for the static validation pass.
func (r *ExecutorRegistry) HasType(stepType string) bool {
	switch stepType {
	case pipeline.StepTypeForLoop, pipeline.StepTypeWhile, pipeline.StepTypePipeline:
		return true
	}
	_, ok := r.Lookup(stepType)
	return ok
}

func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
