package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/pipevm/pipevm/engine/builtin"
	"github.com/pipevm/pipevm/engine/runtime"
	"github.com/pipevm/pipevm/pkg/config"
	"github.com/pipevm/pipevm/pkg/logger"
)

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline definition",
		Long:  "Load, validate, and run a pipeline definition file to completion, printing the result.",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}

	cmd.Flags().StringSlice("input", []string{}, "Input parameters in key=value format (can be used multiple times)")
	cmd.Flags().String("input-file", "", "Path to JSON file containing input parameters")
	cmd.Flags().String("extract", "", "Print only this path of the result")
	cmd.Flags().Bool("pretty", true, "Indent JSON output")

	return cmd
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	inputs, err := parseInputParameters(cmd)
	if err != nil {
		return err
	}
	engine, err := runtime.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if err := builtin.Register(engine); err != nil {
		return fmt.Errorf("failed to register builtin executors: %w", err)
	}
	result, runErr := engine.RunFile(ctx, args[0], inputs)
	if result == nil {
		return runErr
	}
	if err := printResult(cmd, result); err != nil {
		return err
	}
	if runErr != nil {
		logger.FromContext(ctx).Error("run failed", "pipeline", result.Pipeline, "error", runErr)
		return fmt.Errorf("pipeline %q failed", result.Pipeline)
	}
	return nil
}

func printResult(cmd *cobra.Command, result *runtime.Result) error {
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return err
	}
	var encoded []byte
	if pretty {
		encoded, err = json.MarshalIndent(result, "", "  ")
	} else {
		encoded, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	extract, err := cmd.Flags().GetString("extract")
	if err != nil {
		return err
	}
	if extract != "" {
		value := gjson.GetBytes(encoded, extract)
		if !value.Exists() {
			return fmt.Errorf("result has no value at %q", extract)
		}
		fmt.Fprintln(cmd.OutOrStdout(), value.String())
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

// parseInputParameters merges --input key=value pairs over --input-file
// contents. Flag values parse as JSON when they look like it, so
// --input retries=3 yields a number and --input tags='["a"]' a list.
func parseInputParameters(cmd *cobra.Command) (map[string]any, error) {
	inputs := make(map[string]any)
	inputFile, err := cmd.Flags().GetString("input-file")
	if err != nil {
		return nil, err
	}
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse input file as JSON: %w", err)
		}
	}
	inputFlags, err := cmd.Flags().GetStringSlice("input")
	if err != nil {
		return nil, err
	}
	for _, pair := range inputFlags {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid input format: %s (expected key=value)", pair)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if gjson.Valid(value) {
			parsed := gjson.Parse(value)
			switch parsed.Type {
			case gjson.Number, gjson.True, gjson.False, gjson.String, gjson.JSON:
				inputs[key] = parsed.Value()
				continue
			}
		}
		inputs[key] = value
	}
	return inputs, nil
}
