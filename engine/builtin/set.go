package builtin

import (
	"context"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/runtime"
)

// Set returns its resolved input unchanged. Combined with export it is the
// idiomatic way to seed or update loop state:
//
//	- name: bump
//	  type: set
//	  export: true
//	  with:
//	    counter: "{{ add .counter 1 }}"
func Set() runtime.Executor {
	return runtime.ExecutorFunc(func(_ context.Context, input core.Input, _ *runtime.ContextView) (any, error) {
		return map[string]any(input), nil
	})
}
