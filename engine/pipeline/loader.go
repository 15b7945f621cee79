package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pipevm/pipevm/engine/core"
)

// Load reads and validates a pipeline definition from a YAML file. The
// returned config carries its absolute path as identity.
func Load(path string, known KnownTypes) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("failed to open pipeline file: %w", err), core.CodeConfiguration, nil)
	}
	defer file.Close()

	var config Config
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, core.NewError(
			fmt.Errorf("failed to decode pipeline YAML %q: %w", path, err),
			core.CodeConfiguration, nil,
		)
	}
	config.SetFilePath(absPath)
	if err := config.Validate(known); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromMap builds a pipeline definition from an already-decoded map, used for
// inline pipelines inside composition steps.
func FromMap(data map[string]any, known KnownTypes) (*Config, error) {
	config, err := core.FromMapDefault[Config](data)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("malformed inline pipeline: %w", err), core.CodeConfiguration, nil)
	}
	if err := config.Validate(known); err != nil {
		return nil, err
	}
	return &config, nil
}
