package runtime

import (
	goruntime "runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/engine/pipeline"
	"github.com/pipevm/pipevm/pkg/config"
)

// Denial reasons carried in safety_denial error details.
const (
	ReasonDepthExceeded      = "depth_exceeded"
	ReasonCircularDependency = "circular_dependency"
	ReasonStepBudget         = "step_budget_exhausted"
	ReasonTimeBudget         = "time_budget_exhausted"
	ReasonMemoryExceeded     = "memory_exceeded"
)

// Budget tracks the remaining step-count and time allowance of a call tree.
// Counters are atomic: parallel loop iterations and their descendants share
// one budget and decrement it concurrently. A capped child budget chains to
// its parent so every consumed step drains both pools.
type Budget struct {
	steps    atomic.Int64
	deadline time.Time
	parent   *Budget
}

func NewBudget(maxSteps int64, maxDuration time.Duration) *Budget {
	b := &Budget{}
	b.steps.Store(maxSteps)
	if maxDuration > 0 {
		b.deadline = time.Now().Add(maxDuration)
	}
	return b
}

// Cap derives a child budget bounded by maxSteps (when tighter than the
// remaining pool) and maxDuration (when sooner than the parent deadline).
// Consumption flows through to the parent.
func (b *Budget) Cap(maxSteps int64, maxDuration time.Duration) *Budget {
	child := &Budget{parent: b}
	remaining := b.StepsRemaining()
	if maxSteps <= 0 || maxSteps > remaining {
		maxSteps = remaining
	}
	child.steps.Store(maxSteps)
	child.deadline = b.deadline
	if maxDuration > 0 {
		capped := time.Now().Add(maxDuration)
		if child.deadline.IsZero() || capped.Before(child.deadline) {
			child.deadline = capped
		}
	}
	return child
}

// ConsumeStep atomically takes one step from this budget and every ancestor.
// It reports false when any pool is exhausted.
func (b *Budget) ConsumeStep() bool {
	for cur := b; cur != nil; cur = cur.parent {
		if cur.steps.Add(-1) < 0 {
			return false
		}
	}
	return true
}

// Release returns unused steps to the pool, used when a denied or failed
// consumption must be undone.
func (b *Budget) Release(n int64) {
	for cur := b; cur != nil; cur = cur.parent {
		cur.steps.Add(n)
	}
}

func (b *Budget) StepsRemaining() int64 {
	remaining := b.steps.Load()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeRemaining returns the wall-clock allowance left, or zero when the
// budget carries no deadline.
func (b *Budget) TimeRemaining() time.Duration {
	if b.deadline.IsZero() {
		return 0
	}
	return time.Until(b.deadline)
}

func (b *Budget) Expired() bool {
	return !b.deadline.IsZero() && time.Now().After(b.deadline)
}

// SafetyManager authorizes every new nested execution before any child work
// starts. Checks run in order, each independently sufficient to deny: depth,
// cycle, step budget, time budget, memory.
type SafetyManager struct {
	limits config.LimitsConfig
}

func NewSafetyManager(limits config.LimitsConfig) *SafetyManager {
	return &SafetyManager{limits: limits}
}

// Authorize checks whether parent may start a nested pipeline with the given
// identity. Denials are safety_denial errors naming the limit that was hit
// and the full ancestry chain; they are never downgraded.
func (s *SafetyManager) Authorize(parent *ExecutionContext, identity string, opts *pipeline.NestedOpts) error {
	maxDepth := s.limits.MaxDepth
	if opts != nil && opts.MaxDepth > 0 && opts.MaxDepth < maxDepth {
		maxDepth = opts.MaxDepth
	}
	childDepth := parent.Depth + 1
	if maxDepth > 0 && childDepth >= maxDepth {
		return s.deny(parent, identity, ReasonDepthExceeded, map[string]any{
			"max_depth": maxDepth,
			"depth":     childDepth,
		})
	}
	for _, ancestor := range parent.Ancestry {
		if ancestor == identity {
			return s.deny(parent, identity, ReasonCircularDependency, nil)
		}
	}
	if parent.Budget.StepsRemaining() <= 0 {
		return s.deny(parent, identity, ReasonStepBudget, map[string]any{
			"max_total_steps": s.limits.MaxTotalSteps,
		})
	}
	if parent.Budget.Expired() {
		return s.deny(parent, identity, ReasonTimeBudget, map[string]any{
			"max_duration": s.limits.MaxDuration.String(),
		})
	}
	if s.limits.MaxMemoryBytes > 0 {
		var stats goruntime.MemStats
		goruntime.ReadMemStats(&stats)
		if stats.HeapAlloc > s.limits.MaxMemoryBytes {
			return s.deny(parent, identity, ReasonMemoryExceeded, map[string]any{
				"max_memory_bytes": s.limits.MaxMemoryBytes,
				"heap_alloc":       stats.HeapAlloc,
			})
		}
	}
	return nil
}

func (s *SafetyManager) deny(parent *ExecutionContext, identity, reason string, extra map[string]any) error {
	ancestry := append(append([]string(nil), parent.Ancestry...), identity)
	err := core.Errorf(core.CodeSafetyDenial, "nested execution of %q denied: %s [ancestry: %s]",
		identity, reason, strings.Join(ancestry, " -> ")).
		WithDetail("reason", reason).
		WithDetail("ancestry", ancestry)
	for k, v := range extra {
		err = err.WithDetail(k, v)
	}
	return err
}

// DenialReason extracts the denial reason from a safety_denial error.
func DenialReason(err error) string {
	coreErr := core.AsError(err)
	if coreErr == nil || coreErr.Code != core.CodeSafetyDenial {
		return ""
	}
	reason, _ := coreErr.Details["reason"].(string)
	return reason
}
