package condition

import (
	"context"
	"testing"

	"github.com/google/cel-go/common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEvaluator_Evaluate(t *testing.T) {
	evaluator, err := NewCELEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("Should evaluate comparisons over scope variables", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, "score > 80", map[string]any{"score": 92})
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should reject non-boolean results", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "score + 1", map[string]any{"score": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must return a boolean")
	})
	t.Run("Should fail on operand type mismatches instead of returning false", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "score > 80", map[string]any{"score": "high"})
		require.Error(t, err)
	})
	t.Run("Should fail on unknown identifiers", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "missing > 1", map[string]any{"score": 1})
		require.Error(t, err)
	})
	t.Run("Should honor context cancellation", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := evaluator.Evaluate(canceled, "true", map[string]any{})
		require.Error(t, err)
	})
	t.Run("Should reuse cached programs for the same expression and scope shape", func(t *testing.T) {
		scope := map[string]any{"n": 1}
		for i := 0; i < 3; i++ {
			scope["n"] = i
			result, err := evaluator.Evaluate(ctx, "n >= 0", scope)
			require.NoError(t, err)
			assert.True(t, result)
		}
	})
}

func TestCELEvaluator_Builtins(t *testing.T) {
	evaluator, err := NewCELEvaluator()
	require.NoError(t, err)
	ctx := context.Background()
	scope := map[string]any{
		"items":  []any{1, 2, 3, 4},
		"flags":  []any{true, true, false},
		"name":   "pipeline-a",
		"labels": map[string]any{"env": "prod"},
	}

	t.Run("Should compute length of strings, sequences, and maps", func(t *testing.T) {
		for expr, want := range map[string]bool{
			"length(items) == 4":  true,
			"length(name) == 10":  true,
			"length(labels) == 1": true,
		} {
			result, err := evaluator.Evaluate(ctx, expr, scope)
			require.NoError(t, err, expr)
			assert.Equal(t, want, result, expr)
		}
	})
	t.Run("Should count elements matching a sub-condition", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, "count(items, 'item > 2') == 2", scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should sum and average numeric sequences", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, "sum(items) == 10.0 && average(items) == 2.5", scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should fold booleans with any and all", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, "any(flags) && !all(flags)", scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should bind item and index in sub-conditions", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, "all(items, 'item > index')", scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should run sub-conditions under the caller's context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		arg := types.DefaultTypeAdapter.NativeToValue([]any{1, 2, 3})
		cond := types.DefaultTypeAdapter.NativeToValue("item > 0")

		out := evaluator.foldCondition(canceled, arg, cond, "all", foldAll)

		require.True(t, types.IsError(out))
		assert.Contains(t, out.(*types.Err).String(), "context")
	})
	t.Run("Should test membership with contains across container kinds", func(t *testing.T) {
		for expr, want := range map[string]bool{
			"contains(name, 'line')":   true,
			"contains(items, 3)":       true,
			"contains(items, 9)":       false,
			"contains(labels, 'env')":  true,
			"contains(labels, 'abse')": false,
		} {
			result, err := evaluator.Evaluate(ctx, expr, scope)
			require.NoError(t, err, expr)
			assert.Equal(t, want, result, expr)
		}
	})
	t.Run("Should test membership over sequences of maps", func(t *testing.T) {
		objScope := map[string]any{
			"records": []any{
				map[string]any{"id": 1, "tags": []any{"a"}},
				map[string]any{"id": 2, "tags": []any{"b"}},
			},
			"target": map[string]any{"id": 1, "tags": []any{"a"}},
			"other":  map[string]any{"id": 3},
		}
		result, err := evaluator.Evaluate(ctx, "contains(records, target)", objScope)
		require.NoError(t, err)
		assert.True(t, result)

		result, err = evaluator.Evaluate(ctx, "contains(records, other)", objScope)
		require.NoError(t, err)
		assert.False(t, result)
	})
	t.Run("Should test membership over sequences of lists", func(t *testing.T) {
		listScope := map[string]any{
			"pairs":  []any{[]any{1, 2}, []any{3, 4}},
			"target": []any{3, 4},
		}
		result, err := evaluator.Evaluate(ctx, "contains(pairs, target)", listScope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should error on average of an empty sequence", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "average(empty) > 0", map[string]any{"empty": []any{}})
		require.Error(t, err)
	})
	t.Run("Should error when sum meets a non-numeric element", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "sum(mixed) > 0", map[string]any{"mixed": []any{1, "two"}})
		require.Error(t, err)
	})
}

func TestCELEvaluator_Limits(t *testing.T) {
	t.Run("Should stop runaway expressions at the cost limit", func(t *testing.T) {
		evaluator, err := NewCELEvaluator(WithCostLimit(5))
		require.NoError(t, err)
		scope := map[string]any{"items": []any{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
		_, err = evaluator.Evaluate(context.Background(), "items.all(a, items.all(b, a + b > 0))", scope)
		require.Error(t, err)
	})
}

func TestCELEvaluator_ValidateExpression(t *testing.T) {
	evaluator, err := NewCELEvaluator()
	require.NoError(t, err)

	t.Run("Should accept well-formed expressions without a scope", func(t *testing.T) {
		assert.NoError(t, evaluator.ValidateExpression("a > b && c"))
	})
	t.Run("Should reject syntax errors", func(t *testing.T) {
		assert.Error(t, evaluator.ValidateExpression("a >"))
	})
}
