package runtime

import (
	"maps"

	"dario.cat/mergo"

	"github.com/pipevm/pipevm/engine/core"
)

// LoopFrame is one level of loop-scoped bindings: the iterator value, its
// index, and a back-reference to the enclosing frame for nested loops.
type LoopFrame map[string]any

// ResultSet holds step results in execution order. Names are append-only and
// must be unique within one pipeline instance.
type ResultSet struct {
	order  []string
	values map[string]core.Output
}

func NewResultSet() *ResultSet {
	return &ResultSet{values: make(map[string]core.Output)}
}

func (r *ResultSet) Record(name string, output core.Output) error {
	if _, exists := r.values[name]; exists {
		return core.Errorf(core.CodeConfiguration, "step name %q already has a result", name)
	}
	r.order = append(r.order, name)
	r.values[name] = output
	return nil
}

func (r *ResultSet) Get(name string) (core.Output, bool) {
	output, ok := r.values[name]
	return output, ok
}

func (r *ResultSet) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *ResultSet) Len() int {
	return len(r.order)
}

// AsScope returns results keyed by step name with single-value outputs
// unwrapped, so templates read "{{ .results.fetch }}" as the bare value.
func (r *ResultSet) AsScope() map[string]any {
	scope := make(map[string]any, len(r.values))
	for name, output := range r.values {
		scope[name] = core.UnwrapValue(output)
	}
	return scope
}

// AsMap returns the full outputs keyed by step name, in no particular order.
func (r *ResultSet) AsMap() map[string]any {
	out := make(map[string]any, len(r.values))
	for name, output := range r.values {
		out[name] = output.AsMap()
	}
	return out
}

// ExecutionContext is the mutable state threaded through one pipeline run.
// Within one context the dispatcher is sequential, so no locking is needed;
// parallel loop iterations each get their own iteration context.
type ExecutionContext struct {
	ExecID       core.ID
	PipelineName string
	Identity     string
	Results      *ResultSet
	Variables    map[string]any
	Depth        int
	Ancestry     []string
	Budget       *Budget
	Workspace    string

	frames  []LoopFrame
	parent  *ExecutionContext
	inherit bool
}

// NewRootContext builds the top-level context: depth 0, ancestry holding only
// the root pipeline identity.
func NewRootContext(name, identity string, variables map[string]any, budget *Budget) *ExecutionContext {
	if variables == nil {
		variables = make(map[string]any)
	}
	return &ExecutionContext{
		ExecID:       core.NewID(),
		PipelineName: name,
		Identity:     identity,
		Results:      NewResultSet(),
		Variables:    variables,
		Depth:        0,
		Ancestry:     []string{identity},
		Budget:       budget,
	}
}

// NewChildContext builds the context for a nested pipeline: depth + 1,
// ancestry extended with the child identity, fresh results and loop frames.
// The parent reference is set only when variable inheritance is requested and
// is never used for mutation.
func (ec *ExecutionContext) NewChildContext(name, identity string, variables map[string]any, budget *Budget, inherit bool) *ExecutionContext {
	child := &ExecutionContext{
		ExecID:       core.NewID(),
		PipelineName: name,
		Identity:     identity,
		Results:      NewResultSet(),
		Variables:    variables,
		Depth:        ec.Depth + 1,
		Ancestry:     append(append([]string(nil), ec.Ancestry...), identity),
		Budget:       budget,
	}
	if inherit {
		child.parent = ec
		child.inherit = true
	}
	if child.Variables == nil {
		child.Variables = make(map[string]any)
	}
	return child
}

// newIterationContext builds the scratch context for one loop iteration:
// fresh results, the parent's scope visible through inheritance, same depth
// and ancestry. When isolate is true the variables are deep-copied so
// parallel iterations cannot race on shared state.
func (ec *ExecutionContext) newIterationContext(frame LoopFrame, isolate bool) (*ExecutionContext, error) {
	variables := ec.Variables
	if isolate {
		copied, err := core.DeepCopyMap(ec.Variables)
		if err != nil {
			return nil, err
		}
		variables = copied
	}
	iter := &ExecutionContext{
		ExecID:       ec.ExecID,
		PipelineName: ec.PipelineName,
		Identity:     ec.Identity,
		Results:      NewResultSet(),
		Variables:    variables,
		Depth:        ec.Depth,
		Ancestry:     ec.Ancestry,
		Budget:       ec.Budget,
		Workspace:    ec.Workspace,
		parent:       ec,
		inherit:      true,
	}
	iter.frames = append(append([]LoopFrame(nil), ec.frames...), frame)
	return iter, nil
}

// ExportResult merges a step output into the pipeline variables,
// overwriting existing keys. This is the only sanctioned variable mutation
// after seeding; everything else reads through Scope.
func (ec *ExecutionContext) ExportResult(output core.Output) error {
	if len(output) == 0 {
		return nil
	}
	exported, err := core.DeepCopyMap(map[string]any(output))
	if err != nil {
		return err
	}
	if err := mergo.Merge(&ec.Variables, exported, mergo.WithOverride); err != nil {
		return core.Errorf(core.CodeConfiguration, "failed to export step result: %v", err)
	}
	return nil
}

// CurrentFrame returns the innermost loop frame, or nil outside a loop.
func (ec *ExecutionContext) CurrentFrame() LoopFrame {
	if len(ec.frames) == 0 {
		return nil
	}
	return ec.frames[len(ec.frames)-1]
}

// Scope flattens the layered namespace for template and condition
// resolution. Precedence, highest last applied: parent scope (when
// inheritance is on), results, variables, loop frames outermost to
// innermost.
func (ec *ExecutionContext) Scope() map[string]any {
	scope := make(map[string]any)
	resultScope := make(map[string]any)
	if ec.inherit && ec.parent != nil {
		maps.Copy(scope, ec.parent.Scope())
		if parentResults, ok := scope["results"].(map[string]any); ok {
			maps.Copy(resultScope, parentResults)
		}
	}
	maps.Copy(resultScope, ec.Results.AsScope())
	maps.Copy(scope, resultScope)
	scope["results"] = resultScope
	maps.Copy(scope, ec.Variables)
	scope["vars"] = ec.Variables
	for _, frame := range ec.frames {
		maps.Copy(scope, frame)
	}
	if frame := ec.CurrentFrame(); frame != nil {
		scope["loop"] = map[string]any(frame)
	}
	return scope
}

// Snapshot produces the deep-copied, read-only view passed to executors and
// the checkpoint hook.
func (ec *ExecutionContext) Snapshot() (*ContextView, error) {
	results, err := core.DeepCopyMap(ec.Results.AsMap())
	if err != nil {
		return nil, err
	}
	variables, err := core.DeepCopyMap(ec.Variables)
	if err != nil {
		return nil, err
	}
	return &ContextView{
		Pipeline:  ec.PipelineName,
		Results:   results,
		Variables: variables,
		Workspace: ec.Workspace,
	}, nil
}
