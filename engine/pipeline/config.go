package pipeline

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/pipevm/pipevm/engine/condition"
	"github.com/pipevm/pipevm/engine/core"
)

// Reserved step types handled by the interpreter itself. Everything else
// dispatches to a registered step executor.
const (
	StepTypeForLoop  = "for_loop"
	StepTypeWhile    = "while_loop"
	StepTypePipeline = "pipeline"
)

// Config is a pipeline definition: a named, ordered list of steps plus
// optional default variables. Immutable once loaded.
type Config struct {
	Name        string         `json:"name"                  yaml:"name"                  mapstructure:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"   yaml:"variables,omitempty"   mapstructure:"variables,omitempty"`
	Steps       []Step         `json:"steps"                 yaml:"steps"                 mapstructure:"steps"`

	filePath string
}

func (c *Config) SetFilePath(path string) {
	c.filePath = path
}

func (c *Config) GetFilePath() string {
	return c.filePath
}

// Identity returns the stable string used for cycle detection: the file path
// when the definition came from disk, otherwise a name-scoped identity.
func (c *Config) Identity() string {
	if c.filePath != "" {
		return "file:" + c.filePath
	}
	return "pipeline:" + c.Name
}

// SeedVariables merges the pipeline's default variables under the given
// run inputs; inputs win on conflict.
func (c *Config) SeedVariables(inputs map[string]any) (map[string]any, error) {
	seeded, err := core.DeepCopyMap(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to copy inputs: %w", err)
	}
	if seeded == nil {
		seeded = make(map[string]any)
	}
	if len(c.Variables) == 0 {
		return seeded, nil
	}
	defaults, err := core.DeepCopyMap(c.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to copy default variables: %w", err)
	}
	if err := mergo.Merge(&seeded, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge default variables: %w", err)
	}
	return seeded, nil
}

// Step is a single unit of work. The struct is flat: type-specific fields are
// inline and only consulted for the matching type.
type Step struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Type string `json:"type" yaml:"type" mapstructure:"type"`

	// Condition guards the step; when it evaluates false the step is
	// skipped without recording a result.
	Condition *condition.Expr `json:"condition,omitempty" yaml:"condition,omitempty" mapstructure:"condition,omitempty"`
	// With holds the executor configuration; values are template-resolved
	// before dispatch.
	With map[string]any `json:"with,omitempty" yaml:"with,omitempty" mapstructure:"with,omitempty"`
	// BestEffort records the failure but keeps the step list running.
	BestEffort bool   `json:"best_effort,omitempty" yaml:"best_effort,omitempty" mapstructure:"best_effort,omitempty"`
	Timeout    string `json:"timeout,omitempty"     yaml:"timeout,omitempty"     mapstructure:"timeout,omitempty"`
	Retry      *core.RetryPolicyConfig `json:"retry,omitempty" yaml:"retry,omitempty" mapstructure:"retry,omitempty"`
	// Outputs selects and aliases result paths before the result is stored
	// (ordinary steps) or returned to the parent (pipeline steps).
	Outputs []Extract `json:"outputs,omitempty" yaml:"outputs,omitempty" mapstructure:"outputs,omitempty"`
	// Export additionally merges the step's result into the pipeline
	// variables, overwriting existing keys. Steps that carry loop state
	// use this so while conditions can observe progress.
	Export bool `json:"export,omitempty" yaml:"export,omitempty" mapstructure:"export,omitempty"`

	// for_loop fields.
	DataSource   any    `json:"data_source,omitempty"    yaml:"data_source,omitempty"    mapstructure:"data_source,omitempty"`
	Iterator     string `json:"iterator,omitempty"       yaml:"iterator,omitempty"       mapstructure:"iterator,omitempty"`
	Parallel     bool   `json:"parallel,omitempty"       yaml:"parallel,omitempty"       mapstructure:"parallel,omitempty"`
	MaxWorkers   int    `json:"max_workers,omitempty"    yaml:"max_workers,omitempty"    mapstructure:"max_workers,omitempty"`
	BreakOnError *bool  `json:"break_on_error,omitempty" yaml:"break_on_error,omitempty" mapstructure:"break_on_error,omitempty"`

	// while_loop fields.
	While         *condition.Expr `json:"while,omitempty"          yaml:"while,omitempty"          mapstructure:"while,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" mapstructure:"max_iterations,omitempty"`

	// Loop body, shared by both loop kinds.
	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty" mapstructure:"steps,omitempty"`

	// pipeline (composition) fields. Exactly one source must be set.
	PipelineFile string         `json:"pipeline_file,omitempty" yaml:"pipeline_file,omitempty" mapstructure:"pipeline_file,omitempty"`
	PipelineRef  string         `json:"pipeline_ref,omitempty"  yaml:"pipeline_ref,omitempty"  mapstructure:"pipeline_ref,omitempty"`
	Pipeline     *Config        `json:"pipeline,omitempty"      yaml:"pipeline,omitempty"      mapstructure:"pipeline,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"        yaml:"inputs,omitempty"        mapstructure:"inputs,omitempty"`
	Nested       *NestedOpts    `json:"config,omitempty"        yaml:"config,omitempty"        mapstructure:"config,omitempty"`
}

// BreakOnErrorOrDefault returns the loop failure policy; the default is to
// abort the loop on the first failing iteration.
func (s *Step) BreakOnErrorOrDefault() bool {
	if s.BreakOnError == nil {
		return true
	}
	return *s.BreakOnError
}

// ResolveTimeout parses the step's timeout, falling back to the engine
// default when unset.
func (s *Step) ResolveTimeout(fallback time.Duration) (time.Duration, error) {
	if s.Timeout == "" {
		return fallback, nil
	}
	return core.ParseHumanDuration(s.Timeout)
}

// IsControlFlow reports whether the interpreter handles this step itself.
func (s *Step) IsControlFlow() bool {
	switch s.Type {
	case StepTypeForLoop, StepTypeWhile, StepTypePipeline:
		return true
	default:
		return false
	}
}

// Extract maps a dotted result path to an alias.
type Extract struct {
	Path string `json:"path"         yaml:"path"         mapstructure:"path"`
	As   string `json:"as,omitempty" yaml:"as,omitempty" mapstructure:"as,omitempty"`
}

// Alias returns the key the extracted value is stored under.
func (e Extract) Alias() string {
	if e.As != "" {
		return e.As
	}
	if idx := strings.LastIndex(e.Path, "."); idx >= 0 {
		return e.Path[idx+1:]
	}
	return e.Path
}

// NestedOpts tightens the safety envelope for one pipeline step. Limits can
// only shrink the parent's remaining budget, never grow it.
type NestedOpts struct {
	MaxDepth         int    `json:"max_depth,omitempty"         yaml:"max_depth,omitempty"         mapstructure:"max_depth,omitempty"`
	MaxTotalSteps    int64  `json:"max_total_steps,omitempty"   yaml:"max_total_steps,omitempty"   mapstructure:"max_total_steps,omitempty"`
	Timeout          string `json:"timeout,omitempty"           yaml:"timeout,omitempty"           mapstructure:"timeout,omitempty"`
	InheritVariables bool   `json:"inherit_variables,omitempty" yaml:"inherit_variables,omitempty" mapstructure:"inherit_variables,omitempty"`
}
