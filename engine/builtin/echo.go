package builtin

import (
	"context"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/runtime"
	"github.com/pipevm/pipevm/pkg/logger"
)

// Echo logs its resolved input and returns the "message" value, or the whole
// input when no message is set. Useful for tracing scope contents.
func Echo() runtime.Executor {
	return runtime.ExecutorFunc(func(ctx context.Context, input core.Input, view *runtime.ContextView) (any, error) {
		log := logger.FromContext(ctx)
		if message, ok := input["message"]; ok {
			log.Info("echo", "pipeline", view.Pipeline, "message", message)
			return message, nil
		}
		log.Info("echo", "pipeline", view.Pipeline, "input", map[string]any(input))
		return map[string]any(input), nil
	})
}
