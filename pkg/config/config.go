package config

import "time"

// Config is the engine-level configuration. Pipeline definitions carry their
// own per-step settings; these are the process-wide defaults and ceilings.
type Config struct {
	Log    LogConfig    `koanf:"log"`
	Limits LimitsConfig `koanf:"limits"`
	Runtime RuntimeConfig `koanf:"runtime"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// LimitsConfig holds the Safety Manager ceilings. Every limit can be
// tightened per nested-pipeline step but never loosened past these values.
type LimitsConfig struct {
	// MaxDepth is the maximum pipeline nesting depth; the top-level run is depth 0.
	MaxDepth int `koanf:"max_depth" validate:"gte=1"`
	// MaxTotalSteps caps the cumulative step count across a whole call tree.
	MaxTotalSteps int64 `koanf:"max_total_steps" validate:"gte=1"`
	// MaxDuration bounds the wall-clock time of a top-level run.
	MaxDuration time.Duration `koanf:"max_duration" validate:"gt=0"`
	// MaxMemoryBytes denies new nested executions when the observed heap
	// exceeds this value. Zero disables the check.
	MaxMemoryBytes uint64 `koanf:"max_memory_bytes"`
	// MaxLoopWorkers is the default worker-pool size for parallel for_loop
	// steps that do not set max_workers themselves.
	MaxLoopWorkers int `koanf:"max_loop_workers" validate:"gte=1"`
}

type RuntimeConfig struct {
	// StepTimeout is the default per-step executor timeout.
	StepTimeout time.Duration `koanf:"step_timeout" validate:"gt=0"`
	// DefinitionCacheSize bounds the pipeline definition registry.
	DefinitionCacheSize int `koanf:"definition_cache_size" validate:"gte=1"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Limits: LimitsConfig{
			MaxDepth:       10,
			MaxTotalSteps:  10000,
			MaxDuration:    time.Hour,
			MaxLoopWorkers: 4,
		},
		Runtime: RuntimeConfig{
			StepTimeout:         5 * time.Minute,
			DefinitionCacheSize: 128,
		},
	}
}
