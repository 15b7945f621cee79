package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipevm/pipevm/engine/condition"
)

func knownTypes(types ...string) KnownTypeSet {
	set := make(KnownTypeSet, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

func writePipeline(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validPipeline = `
name: greet
variables:
  who: world
steps:
  - name: hello
    type: echo
    with:
      message: "hi {{ .who }}"
`

func TestLoad(t *testing.T) {
	t.Run("Should load and validate a definition file", func(t *testing.T) {
		path := writePipeline(t, "greet.yaml", validPipeline)
		cfg, err := Load(path, knownTypes("echo"))
		require.NoError(t, err)
		assert.Equal(t, "greet", cfg.Name)
		require.Len(t, cfg.Steps, 1)
		assert.Equal(t, "echo", cfg.Steps[0].Type)
		assert.Equal(t, "file:"+path, cfg.Identity())
	})
	t.Run("Should fail on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
		assert.Error(t, err)
	})
	t.Run("Should fail on malformed YAML", func(t *testing.T) {
		path := writePipeline(t, "bad.yaml", "name: [unclosed")
		_, err := Load(path, nil)
		assert.Error(t, err)
	})
	t.Run("Should reject unknown step types when the executor set is given", func(t *testing.T) {
		path := writePipeline(t, "greet.yaml", validPipeline)
		_, err := Load(path, knownTypes("other"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown step type")
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("Should require a name and steps", func(t *testing.T) {
		assert.Error(t, (&Config{}).Validate(nil))
		assert.Error(t, (&Config{Name: "p"}).Validate(nil))
	})
	t.Run("Should reject duplicate sibling step names", func(t *testing.T) {
		cfg := &Config{Name: "p", Steps: []Step{
			{Name: "a", Type: "echo"},
			{Name: "a", Type: "echo"},
		}}
		err := cfg.Validate(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate step name")
	})
	t.Run("Should allow the same step name in different scopes", func(t *testing.T) {
		cfg := &Config{Name: "p", Steps: []Step{
			{Name: "a", Type: "echo"},
			{Name: "loop", Type: StepTypeForLoop, DataSource: []any{1}, Iterator: "it",
				Steps: []Step{{Name: "a", Type: "echo"}}},
		}}
		assert.NoError(t, cfg.Validate(nil))
	})
	t.Run("Should require for_loop data_source, iterator, and body", func(t *testing.T) {
		base := Step{Name: "l", Type: StepTypeForLoop}
		for _, step := range []Step{
			base,
			{Name: "l", Type: StepTypeForLoop, DataSource: []any{1}},
			{Name: "l", Type: StepTypeForLoop, DataSource: []any{1}, Iterator: "it"},
		} {
			cfg := &Config{Name: "p", Steps: []Step{step}}
			assert.Error(t, cfg.Validate(nil))
		}
	})
	t.Run("Should require while_loop condition and max_iterations", func(t *testing.T) {
		body := []Step{{Name: "b", Type: "echo"}}
		noCond := &Config{Name: "p", Steps: []Step{
			{Name: "w", Type: StepTypeWhile, MaxIterations: 3, Steps: body},
		}}
		assert.Error(t, noCond.Validate(nil))

		noCeiling := &Config{Name: "p", Steps: []Step{
			{Name: "w", Type: StepTypeWhile, While: condition.Leaf("n < 3"), Steps: body},
		}}
		assert.Error(t, noCeiling.Validate(nil))
	})
	t.Run("Should require exactly one pipeline source", func(t *testing.T) {
		none := &Config{Name: "p", Steps: []Step{{Name: "n", Type: StepTypePipeline}}}
		assert.Error(t, none.Validate(nil))

		two := &Config{Name: "p", Steps: []Step{
			{Name: "n", Type: StepTypePipeline, PipelineFile: "a.yaml", PipelineRef: "b"},
		}}
		assert.Error(t, two.Validate(nil))
	})
	t.Run("Should validate inline pipelines recursively", func(t *testing.T) {
		cfg := &Config{Name: "p", Steps: []Step{
			{Name: "n", Type: StepTypePipeline, Pipeline: &Config{Name: "inner"}},
		}}
		assert.Error(t, cfg.Validate(nil))
	})
	t.Run("Should reject malformed nested timeouts", func(t *testing.T) {
		cfg := &Config{Name: "p", Steps: []Step{
			{Name: "n", Type: StepTypePipeline, PipelineRef: "other",
				Nested: &NestedOpts{Timeout: "soonish"}},
		}}
		assert.Error(t, cfg.Validate(nil))
	})
	t.Run("Should reject extractions without a path", func(t *testing.T) {
		cfg := &Config{Name: "p", Steps: []Step{
			{Name: "e", Type: "echo", Outputs: []Extract{{As: "x"}}},
		}}
		assert.Error(t, cfg.Validate(nil))
	})
}

func TestStep_Defaults(t *testing.T) {
	t.Run("Should default break_on_error to true", func(t *testing.T) {
		step := &Step{}
		assert.True(t, step.BreakOnErrorOrDefault())
		off := false
		step.BreakOnError = &off
		assert.False(t, step.BreakOnErrorOrDefault())
	})
	t.Run("Should fall back to the engine default timeout", func(t *testing.T) {
		step := &Step{}
		d, err := step.ResolveTimeout(time.Minute)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, d)

		step.Timeout = "250ms"
		d, err = step.ResolveTimeout(time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, d)
	})
	t.Run("Should classify control-flow types", func(t *testing.T) {
		assert.True(t, (&Step{Type: StepTypeForLoop}).IsControlFlow())
		assert.True(t, (&Step{Type: StepTypeWhile}).IsControlFlow())
		assert.True(t, (&Step{Type: StepTypePipeline}).IsControlFlow())
		assert.False(t, (&Step{Type: "echo"}).IsControlFlow())
	})
}

func TestConfig_SeedVariables(t *testing.T) {
	t.Run("Should layer inputs over definition defaults", func(t *testing.T) {
		cfg := &Config{Name: "p", Variables: map[string]any{"a": 1, "b": 2}}
		seeded, err := cfg.SeedVariables(map[string]any{"b": 20, "c": 3})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1, "b": 20, "c": 3}, seeded)
	})
	t.Run("Should not alias the definition's default map", func(t *testing.T) {
		cfg := &Config{Name: "p", Variables: map[string]any{"nested": map[string]any{"n": 1}}}
		seeded, err := cfg.SeedVariables(nil)
		require.NoError(t, err)
		seeded["nested"].(map[string]any)["n"] = 99
		assert.Equal(t, 1, cfg.Variables["nested"].(map[string]any)["n"])
	})
}

func TestExtract_Alias(t *testing.T) {
	t.Run("Should default the alias to the final path segment", func(t *testing.T) {
		assert.Equal(t, "total", Extract{Path: "stats.total"}.Alias())
		assert.Equal(t, "renamed", Extract{Path: "stats.total", As: "renamed"}.Alias())
	})
}

func TestRegistry(t *testing.T) {
	t.Run("Should register and resolve named definitions", func(t *testing.T) {
		reg, err := NewRegistry(8, nil)
		require.NoError(t, err)
		cfg := &Config{Name: "child", Steps: []Step{{Name: "s", Type: "echo"}}}
		require.NoError(t, reg.Register(cfg))
		got, err := reg.LookupRef("child")
		require.NoError(t, err)
		assert.Same(t, cfg, got)
	})
	t.Run("Should reject duplicate registrations", func(t *testing.T) {
		reg, err := NewRegistry(8, nil)
		require.NoError(t, err)
		cfg := &Config{Name: "child"}
		require.NoError(t, reg.Register(cfg))
		assert.Error(t, reg.Register(cfg))
	})
	t.Run("Should fail lookups of unknown references", func(t *testing.T) {
		reg, err := NewRegistry(8, nil)
		require.NoError(t, err)
		_, err = reg.LookupRef("ghost")
		assert.Error(t, err)
	})
	t.Run("Should cache file loads until evicted", func(t *testing.T) {
		reg, err := NewRegistry(8, knownTypes("echo"))
		require.NoError(t, err)
		path := writePipeline(t, "greet.yaml", validPipeline)
		first, err := reg.LoadFile(path)
		require.NoError(t, err)
		second, err := reg.LoadFile(path)
		require.NoError(t, err)
		assert.Same(t, first, second)

		reg.Evict(path)
		third, err := reg.LoadFile(path)
		require.NoError(t, err)
		assert.NotSame(t, first, third)
	})
}
