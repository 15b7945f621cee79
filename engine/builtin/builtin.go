// Package builtin provides the step executors that ship with the engine:
// small, dependency-free building blocks for pipelines that do not bring
// their own executor set.
package builtin

import (
	"fmt"

	"github.com/pipevm/pipevm/engine/condition"
	"github.com/pipevm/pipevm/engine/runtime"
)

// Register installs every builtin executor on the engine.
func Register(engine *runtime.Engine) error {
	cel, err := condition.NewCELEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build expression evaluator: %w", err)
	}
	executors := map[string]runtime.Executor{
		"set":       Set(),
		"echo":      Echo(),
		"transform": Transform(cel),
	}
	for stepType, executor := range executors {
		if err := engine.RegisterExecutor(stepType, executor); err != nil {
			return err
		}
	}
	return nil
}
