package condition

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/pipevm/pipevm/engine/core"
)

const (
	defaultCostLimit = uint64(1000)
	defaultCacheSize = int64(256)
)

// CELEvaluator compiles and runs leaf condition expressions. Compiled ASTs are
// cached by expression and scope shape; evaluation honors context cancellation
// and a per-expression cost limit.
type CELEvaluator struct {
	costLimit    uint64
	cacheSize    int64
	astCache     *ristretto.Cache[string, *compiledExpr]
	programCache *ristretto.Cache[string, cel.Program]
}

// compiledExpr is a cached compilation result. Programs for dynamic
// expressions bind the caller's context at evaluation time and are rebuilt per
// call; everything else caches the planned program too.
type compiledExpr struct {
	env     *cel.Env
	ast     *cel.Ast
	dynamic bool
}

type CELOption func(*CELEvaluator)

func WithCostLimit(limit uint64) CELOption {
	return func(e *CELEvaluator) {
		e.costLimit = limit
	}
}

func WithCacheSize(size int64) CELOption {
	return func(e *CELEvaluator) {
		e.cacheSize = size
	}
}

func NewCELEvaluator(opts ...CELOption) (*CELEvaluator, error) {
	e := &CELEvaluator{costLimit: defaultCostLimit, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(e)
	}
	astCache, err := ristretto.NewCache(&ristretto.Config[string, *compiledExpr]{
		NumCounters: e.cacheSize * 10,
		MaxCost:     e.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ast cache: %w", err)
	}
	programCache, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: e.cacheSize * 10,
		MaxCost:     e.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	e.astCache = astCache
	e.programCache = programCache
	return e, nil
}

// Evaluate runs a boolean expression against the scope. A non-boolean result
// and operand type mismatches are evaluation errors, never silently false.
func (e *CELEvaluator) Evaluate(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	value, err := e.EvaluateValue(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must return a boolean, got %T", expression, value)
	}
	return result, nil
}

// EvaluateValue runs an expression and returns its raw result.
func (e *CELEvaluator) EvaluateValue(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before evaluation: %w", err)
	}
	program, err := e.program(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	out, _, err := program.ContextEval(ctx, scope)
	if err != nil {
		if strings.Contains(err.Error(), "cost limit") {
			return nil, fmt.Errorf("expression exceeded cost limit of %d: %w", e.costLimit, err)
		}
		return nil, fmt.Errorf("evaluation error: %w", err)
	}
	return out.Value(), nil
}

// ValidateExpression checks an expression compiles against an empty scope
// shape. Identifier resolution is deferred to evaluation time, so this only
// catches syntax errors.
func (e *CELEvaluator) ValidateExpression(expression string) error {
	env, err := e.envFor(nil)
	if err != nil {
		return err
	}
	if _, iss := env.Parse(expression); iss != nil && iss.Err() != nil {
		return core.NewError(
			fmt.Errorf("invalid expression %q: compilation failed: %w", expression, iss.Err()),
			core.CodeConfiguration, nil,
		)
	}
	return nil
}

func (e *CELEvaluator) program(ctx context.Context, expression string, scope map[string]any) (cel.Program, error) {
	key := cacheKey(expression, scope)
	if cached, ok := e.programCache.Get(key); ok {
		return cached, nil
	}
	compiled, err := e.compile(key, expression, scope)
	if err != nil {
		return nil, err
	}
	opts := []cel.ProgramOption{cel.CostLimit(e.costLimit), cel.InterruptCheckFrequency(100)}
	if compiled.dynamic {
		opts = append(opts, cel.Functions(e.condBindings(ctx)...))
		program, err := compiled.env.Program(compiled.ast, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build program: %w", err)
		}
		return program, nil
	}
	program, err := compiled.env.Program(compiled.ast, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}
	e.programCache.Set(key, program, 1)
	e.programCache.Wait()
	return program, nil
}

func (e *CELEvaluator) compile(key, expression string, scope map[string]any) (*compiledExpr, error) {
	if cached, ok := e.astCache.Get(key); ok {
		return cached, nil
	}
	env, err := e.envFor(scope)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, core.NewError(
			fmt.Errorf("compilation of %q failed: %w", expression, iss.Err()),
			core.CodeConfiguration, nil,
		)
	}
	compiled := &compiledExpr{env: env, ast: ast, dynamic: usesSubCondition(ast)}
	e.astCache.Set(key, compiled, 1)
	e.astCache.Wait()
	return compiled, nil
}

// usesSubCondition reports whether the checked expression calls one of the
// fold overloads that evaluate a per-element sub-condition.
func usesSubCondition(a *cel.Ast) bool {
	for _, reference := range a.NativeRep().ReferenceMap() {
		for _, id := range reference.OverloadIDs {
			switch id {
			case "count_list_cond", "any_list_cond", "all_list_cond":
				return true
			}
		}
	}
	return false
}

// envFor builds a CEL environment declaring every top-level scope key as a
// dyn variable plus the engine's sequence built-ins.
func (e *CELEvaluator) envFor(scope map[string]any) (*cel.Env, error) {
	opts := []cel.EnvOption{
		e.lengthFunc(),
		e.countFunc(),
		e.sumFunc(),
		e.averageFunc(),
		e.anyFunc(),
		e.allFunc(),
		e.containsFunc(),
	}
	for name := range scope {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func cacheKey(expression string, scope map[string]any) string {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return expression + "\x00" + strings.Join(keys, ",")
}

// -----------------------------------------------------------------------------
// Built-in functions
// -----------------------------------------------------------------------------

func (e *CELEvaluator) lengthFunc() cel.EnvOption {
	return cel.Function("length",
		cel.Overload("length_dyn", []*cel.Type{cel.DynType}, cel.IntType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				switch v := arg.Value().(type) {
				case string:
					return types.Int(len(v))
				case []any:
					return types.Int(len(v))
				case map[string]any:
					return types.Int(len(v))
				default:
					if sized, ok := arg.(interface{ Size() ref.Val }); ok {
						return sized.Size()
					}
					return types.NewErr("length: unsupported type %T", v)
				}
			}),
		),
	)
}

// The sub-condition fold overloads are declaration-only here; their
// implementations are bound per evaluation (see condBindings) so per-element
// evaluation runs under the caller's context.

func (e *CELEvaluator) countFunc() cel.EnvOption {
	return cel.Function("count",
		cel.Overload("count_list", []*cel.Type{cel.DynType}, cel.IntType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				seq, err := toSequence(arg, "count")
				if err != nil {
					return err
				}
				return types.Int(len(seq))
			}),
		),
		cel.Overload("count_list_cond", []*cel.Type{cel.DynType, cel.StringType}, cel.IntType),
	)
}

func (e *CELEvaluator) sumFunc() cel.EnvOption {
	return cel.Function("sum",
		cel.Overload("sum_list", []*cel.Type{cel.DynType}, cel.DoubleType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				seq, errVal := toSequence(arg, "sum")
				if errVal != nil {
					return errVal
				}
				total, err := sumNumbers(seq)
				if err != nil {
					return types.NewErr("sum: %v", err)
				}
				return types.Double(total)
			}),
		),
	)
}

func (e *CELEvaluator) averageFunc() cel.EnvOption {
	return cel.Function("average",
		cel.Overload("average_list", []*cel.Type{cel.DynType}, cel.DoubleType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				seq, errVal := toSequence(arg, "average")
				if errVal != nil {
					return errVal
				}
				if len(seq) == 0 {
					return types.NewErr("average: empty sequence")
				}
				total, err := sumNumbers(seq)
				if err != nil {
					return types.NewErr("average: %v", err)
				}
				return types.Double(total / float64(len(seq)))
			}),
		),
	)
}

func (e *CELEvaluator) anyFunc() cel.EnvOption {
	return cel.Function("any",
		cel.Overload("any_list", []*cel.Type{cel.DynType}, cel.BoolType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				return e.truthFold(arg, "any", foldAny)
			}),
		),
		cel.Overload("any_list_cond", []*cel.Type{cel.DynType, cel.StringType}, cel.BoolType),
	)
}

func (e *CELEvaluator) allFunc() cel.EnvOption {
	return cel.Function("all",
		cel.Overload("all_list", []*cel.Type{cel.DynType}, cel.BoolType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				return e.truthFold(arg, "all", foldAll)
			}),
		),
		cel.Overload("all_list_cond", []*cel.Type{cel.DynType, cel.StringType}, cel.BoolType),
	)
}

// containsFunc tests membership: substring for strings, element for
// sequences, key for maps.
func (e *CELEvaluator) containsFunc() cel.EnvOption {
	return cel.Function("contains",
		cel.Overload("contains_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
			cel.BinaryBinding(func(container, element ref.Val) ref.Val {
				switch c := container.Value().(type) {
				case string:
					s, ok := element.Value().(string)
					if !ok {
						return types.NewErr("contains: cannot test %T membership in string", element.Value())
					}
					return types.Bool(strings.Contains(c, s))
				case []any:
					for _, item := range c {
						if valuesEqual(item, element.Value()) {
							return types.True
						}
					}
					return types.False
				case map[string]any:
					key, ok := element.Value().(string)
					if !ok {
						return types.NewErr("contains: map keys are strings, got %T", element.Value())
					}
					_, found := c[key]
					return types.Bool(found)
				default:
					return types.NewErr("contains: unsupported container type %T", c)
				}
			}),
		),
	)
}

// condBindings implements the sub-condition fold overloads against the given
// evaluation context.
func (e *CELEvaluator) condBindings(ctx context.Context) []*functions.Overload {
	return []*functions.Overload{
		{Operator: "count_list_cond", Binary: func(arg, cond ref.Val) ref.Val {
			return e.foldCondition(ctx, arg, cond, "count", foldCount)
		}},
		{Operator: "any_list_cond", Binary: func(arg, cond ref.Val) ref.Val {
			return e.foldCondition(ctx, arg, cond, "any", foldAny)
		}},
		{Operator: "all_list_cond", Binary: func(arg, cond ref.Val) ref.Val {
			return e.foldCondition(ctx, arg, cond, "all", foldAll)
		}},
	}
}

// foldCondition evaluates a per-element sub-condition (a leaf expression with
// "item" and "index" bound) and folds the boolean results.
func (e *CELEvaluator) foldCondition(ctx context.Context, arg, cond ref.Val, fn string, fold func([]bool) ref.Val) ref.Val {
	seq, errVal := toSequence(arg, fn)
	if errVal != nil {
		return errVal
	}
	expr, ok := cond.Value().(string)
	if !ok {
		return types.NewErr("%s: sub-condition must be a string", fn)
	}
	matches := make([]bool, len(seq))
	for i, item := range seq {
		result, err := e.Evaluate(ctx, expr, map[string]any{"item": item, "index": i})
		if err != nil {
			return types.NewErr("%s: sub-condition %q failed at index %d: %v", fn, expr, i, err)
		}
		matches[i] = result
	}
	return fold(matches)
}

func (e *CELEvaluator) truthFold(arg ref.Val, fn string, fold func([]bool) ref.Val) ref.Val {
	seq, errVal := toSequence(arg, fn)
	if errVal != nil {
		return errVal
	}
	matches := make([]bool, len(seq))
	for i, item := range seq {
		b, ok := item.(bool)
		if !ok {
			return types.NewErr("%s: element %d is %T, not a boolean", fn, i, item)
		}
		matches[i] = b
	}
	return fold(matches)
}

func foldCount(matches []bool) ref.Val {
	n := 0
	for _, m := range matches {
		if m {
			n++
		}
	}
	return types.Int(n)
}

func foldAny(matches []bool) ref.Val {
	for _, m := range matches {
		if m {
			return types.True
		}
	}
	return types.False
}

func foldAll(matches []bool) ref.Val {
	for _, m := range matches {
		if !m {
			return types.False
		}
	}
	return types.True
}

func toSequence(arg ref.Val, fn string) ([]any, ref.Val) {
	switch v := arg.Value().(type) {
	case []any:
		return v, nil
	default:
		if seq, ok := core.AsSequence(v); ok {
			return seq, nil
		}
		return nil, types.NewErr("%s: expected a sequence, got %T", fn, v)
	}
}

func sumNumbers(seq []any) (float64, error) {
	total := 0.0
	for i, item := range seq {
		n, ok := toFloat(item)
		if !ok {
			return 0, fmt.Errorf("element %d is %T, not a number", i, item)
		}
		total += n
	}
	return total, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// valuesEqual compares sequence elements for contains: numbers compare by
// value across numeric types, everything else structurally. Plain interface
// comparison would panic on uncomparable elements such as maps.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
