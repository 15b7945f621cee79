package core

import "time"

// RetryPolicyConfig configures automatic retry of a step's executor call.
//
// **Defaults** (applied by Resolve): 1 attempt (no retry), 1s initial
// interval, 1m maximum interval.
type RetryPolicyConfig struct {
	// Initial delay before first retry
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty" mapstructure:"initial_interval,omitempty"`
	// Maximum retry attempts, including the first call
	MaximumAttempts int `json:"maximum_attempts,omitempty" yaml:"maximum_attempts,omitempty" mapstructure:"maximum_attempts,omitempty"`
	// Maximum delay between retries
	MaximumInterval string `json:"maximum_interval,omitempty" yaml:"maximum_interval,omitempty" mapstructure:"maximum_interval,omitempty"`
}

// ResolvedRetryPolicy is a RetryPolicyConfig with durations parsed and
// defaults applied.
type ResolvedRetryPolicy struct {
	InitialInterval time.Duration
	MaximumAttempts int
	MaximumInterval time.Duration
}

func (r *RetryPolicyConfig) Resolve() (*ResolvedRetryPolicy, error) {
	resolved := &ResolvedRetryPolicy{
		InitialInterval: time.Second,
		MaximumAttempts: 1,
		MaximumInterval: time.Minute,
	}
	if r == nil {
		return resolved, nil
	}
	if r.InitialInterval != "" {
		d, err := ParseHumanDuration(r.InitialInterval)
		if err != nil {
			return nil, err
		}
		resolved.InitialInterval = d
	}
	if r.MaximumInterval != "" {
		d, err := ParseHumanDuration(r.MaximumInterval)
		if err != nil {
			return nil, err
		}
		resolved.MaximumInterval = d
	}
	if r.MaximumAttempts > 0 {
		resolved.MaximumAttempts = r.MaximumAttempts
	}
	return resolved, nil
}
