package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipevm/pipevm/pkg/logger"
)

const samplePipeline = `
name: sample
steps:
  - name: greet
    type: echo
    with:
      message: hi
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePipeline), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	t.Run("Should inject a logger into the command context", func(t *testing.T) {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("log-level", "debug", "")
		cmd.Flags().Bool("log-json", false, "")
		cmd.SetContext(t.Context())

		require.NoError(t, setupLogger(cmd))
		assert.NotNil(t, logger.FromContext(cmd.Context()))
	})
}

func TestValidateCmd(t *testing.T) {
	t.Run("Should accept a well-formed pipeline file", func(t *testing.T) {
		out, err := execute(t, "validate", writeSample(t))
		require.NoError(t, err)
		assert.Contains(t, out, `pipeline "sample" is valid`)
	})

	t.Run("Should reject a pipeline without steps", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: empty\nsteps: []\n"), 0o600))
		_, err := execute(t, "validate", path)
		require.Error(t, err)
	})

	t.Run("Should check step types against the --types set", func(t *testing.T) {
		out, err := execute(t, "validate", writeSample(t), "--types", "echo,shell")
		require.NoError(t, err)
		assert.Contains(t, out, `pipeline "sample" is valid`)
	})

	t.Run("Should reject a step type outside the --types set", func(t *testing.T) {
		_, err := execute(t, "validate", writeSample(t), "--types", "shell")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "echo")
	})

	t.Run("Should reject a missing file", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestRunCmd(t *testing.T) {
	t.Run("Should run a pipeline and print the result", func(t *testing.T) {
		out, err := execute(t, "run", writeSample(t), "--pretty=false")
		require.NoError(t, err)
		assert.Contains(t, out, `"status":"success"`)
		assert.Contains(t, out, `"pipeline":"sample"`)
	})

	t.Run("Should print only the extracted path", func(t *testing.T) {
		out, err := execute(t, "run", writeSample(t), "--extract", "results.greet.value")
		require.NoError(t, err)
		assert.Contains(t, out, "hi")
	})

	t.Run("Should fail on an unknown extract path", func(t *testing.T) {
		_, err := execute(t, "run", writeSample(t), "--extract", "no.such.path")
		require.Error(t, err)
	})
}

func TestParseInputParameters(t *testing.T) {
	newCmd := func(t *testing.T) *cobra.Command {
		t.Helper()
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().StringSlice("input", []string{}, "")
		cmd.Flags().String("input-file", "", "")
		return cmd
	}

	t.Run("Should parse typed values from key=value flags", func(t *testing.T) {
		cmd := newCmd(t)
		require.NoError(t, cmd.Flags().Set("input", "retries=3"))
		require.NoError(t, cmd.Flags().Set("input", "verbose=true"))
		require.NoError(t, cmd.Flags().Set("input", "name=svc"))

		inputs, err := parseInputParameters(cmd)
		require.NoError(t, err)
		assert.Equal(t, float64(3), inputs["retries"])
		assert.Equal(t, true, inputs["verbose"])
		assert.Equal(t, "svc", inputs["name"])
	})

	t.Run("Should layer flag inputs over the input file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "inputs.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"a": 1, "b": 2}`), 0o600))
		cmd := newCmd(t)
		require.NoError(t, cmd.Flags().Set("input-file", path))
		require.NoError(t, cmd.Flags().Set("input", "b=20"))

		inputs, err := parseInputParameters(cmd)
		require.NoError(t, err)
		assert.Equal(t, float64(1), inputs["a"])
		assert.Equal(t, float64(20), inputs["b"])
	})

	t.Run("Should reject flags without an equals sign", func(t *testing.T) {
		cmd := newCmd(t)
		require.NoError(t, cmd.Flags().Set("input", "broken"))
		_, err := parseInputParameters(cmd)
		require.Error(t, err)
	})
}
