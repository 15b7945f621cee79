package builtin

import (
	"context"

	"github.com/pipevm/pipevm/engine/condition"
	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/runtime"
)

// Transform evaluates a CEL expression over the step's remaining input
// values and returns the result. The expression sees every other "with" key
// as a variable:
//
//	- name: total
//	  type: transform
//	  with:
//	    expression: "sum(prices) / length(prices)"
//	    prices: "{{ .results.fetch.prices }}"
func Transform(cel *condition.CELEvaluator) runtime.Executor {
	return runtime.ExecutorFunc(func(ctx context.Context, input core.Input, _ *runtime.ContextView) (any, error) {
		expression, ok := input["expression"].(string)
		if !ok || expression == "" {
			return nil, core.Errorf(core.CodeConfiguration, "transform requires a string %q value", "expression")
		}
		scope := make(map[string]any, len(input))
		for key, value := range input {
			if key == "expression" {
				continue
			}
			scope[key] = value
		}
		return cel.EvaluateValue(ctx, expression, scope)
	})
}
