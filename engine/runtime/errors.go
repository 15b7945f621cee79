package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pipevm/pipevm/engine/core"
)

// StepFailure is the structured failure of a single step: which step, in
// which pipeline, with the full ancestry chain and the proximate cause.
type StepFailure struct {
	StepName string    `json:"step_name"`
	StepType string    `json:"step_type"`
	Pipeline string    `json:"pipeline"`
	Ancestry []string  `json:"ancestry"`
	Cause    *core.Error `json:"cause"`

	wrapped error
}

func newStepFailure(ec *ExecutionContext, step stepInfo, err error) *StepFailure {
	return &StepFailure{
		StepName: step.name,
		StepType: step.stepType,
		Pipeline: ec.PipelineName,
		Ancestry: append([]string(nil), ec.Ancestry...),
		Cause:    core.AsError(err),
		wrapped:  err,
	}
}

type stepInfo struct {
	name     string
	stepType string
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %q (%s) in pipeline %q failed: %v [ancestry: %s]",
		f.StepName, f.StepType, f.Pipeline, f.Cause, strings.Join(f.Ancestry, " -> "))
}

func (f *StepFailure) Unwrap() error {
	return f.wrapped
}

// Code returns the proximate error classification.
func (f *StepFailure) Code() core.ErrorCode {
	if f.Cause == nil {
		return core.CodeExecutor
	}
	return f.Cause.Code
}

// NestedFailure wraps a failure that occurred inside a nested pipeline. Child
// carries the child's own failure so a top-level caller can see the whole
// execution path without re-deriving it.
type NestedFailure struct {
	StepFailure
	ChildPipeline string       `json:"child_pipeline"`
	Child         *StepFailure `json:"child,omitempty"`
}

func (f *NestedFailure) Error() string {
	return fmt.Sprintf("nested pipeline %q invoked by step %q in %q failed: %v",
		f.ChildPipeline, f.StepName, f.Pipeline, f.Cause)
}

// FailureChain flattens the nested failure path, outermost first.
func FailureChain(err error) []*StepFailure {
	var chain []*StepFailure
	for err != nil {
		switch failure := err.(type) {
		case *NestedFailure:
			chain = append(chain, &failure.StepFailure)
		case *StepFailure:
			chain = append(chain, failure)
		}
		err = errors.Unwrap(err)
	}
	return chain
}
