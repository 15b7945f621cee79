package condition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pipevm/pipevm/pkg/tplengine"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	cel, err := NewCELEvaluator()
	require.NoError(t, err)
	return NewEvaluator(cel, tplengine.NewEngine())
}

func TestExpr_UnmarshalYAML(t *testing.T) {
	t.Run("Should decode a bare string as a leaf", func(t *testing.T) {
		var expr Expr
		require.NoError(t, yaml.Unmarshal([]byte(`"n > 1"`), &expr))
		assert.Equal(t, "n > 1", expr.Cond)
	})
	t.Run("Should decode nested and/or/not mappings", func(t *testing.T) {
		doc := `
and:
  - "a > 1"
  - or:
      - "b == 2"
      - not: "c"
`
		var expr Expr
		require.NoError(t, yaml.Unmarshal([]byte(doc), &expr))
		require.Len(t, expr.And, 2)
		assert.Equal(t, "a > 1", expr.And[0].Cond)
		require.Len(t, expr.And[1].Or, 2)
		assert.Equal(t, "c", expr.And[1].Or[1].Not.Cond)
	})
	t.Run("Should reject sequences at the top level", func(t *testing.T) {
		var expr Expr
		assert.Error(t, yaml.Unmarshal([]byte(`[1, 2]`), &expr))
	})
}

func TestExpr_Validate(t *testing.T) {
	t.Run("Should accept a single-branch node", func(t *testing.T) {
		assert.NoError(t, Leaf("x > 0").Validate())
	})
	t.Run("Should reject a node mixing branches", func(t *testing.T) {
		expr := &Expr{Cond: "x", Not: Leaf("y")}
		assert.Error(t, expr.Validate())
	})
	t.Run("Should reject an empty node", func(t *testing.T) {
		assert.Error(t, (&Expr{}).Validate())
	})
	t.Run("Should recurse into sub-expressions", func(t *testing.T) {
		expr := &Expr{And: []*Expr{Leaf("a"), {}}}
		assert.Error(t, expr.Validate())
	})
}

func TestEvaluator_Evaluate(t *testing.T) {
	evaluator := newTestEvaluator(t)
	ctx := context.Background()
	scope := map[string]any{"a": 5, "b": 2, "names": []any{"x", "y"}}

	t.Run("Should treat an empty expression as true", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, nil, scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should evaluate leaf expressions", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, Leaf("a > b"), scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should combine branches with and, or, not", func(t *testing.T) {
		expr := &Expr{And: []*Expr{
			Leaf("a == 5"),
			{Or: []*Expr{Leaf("b > 10"), {Not: Leaf("b > 10")}}},
		}}
		result, err := evaluator.Evaluate(ctx, expr, scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should short-circuit and on the first false", func(t *testing.T) {
		// The second leaf would fail (unknown identifier) if evaluated.
		expr := &Expr{And: []*Expr{Leaf("a > 100"), Leaf("boom > 0")}}
		result, err := evaluator.Evaluate(ctx, expr, scope)
		require.NoError(t, err)
		assert.False(t, result)
	})
	t.Run("Should short-circuit or on the first true", func(t *testing.T) {
		expr := &Expr{Or: []*Expr{Leaf("a == 5"), Leaf("boom > 0")}}
		result, err := evaluator.Evaluate(ctx, expr, scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should propagate leaf evaluation errors", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, Leaf("boom > 0"), scope)
		require.Error(t, err)
	})
	t.Run("Should render templates inside leaves before evaluation", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, Leaf("{{ .a }} > 4"), scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should rewrite infix contains into function form", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, Leaf(`names contains "x"`), scope)
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should rewrite infix matches into function form", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, Leaf(`name matches "^pipe"`),
			map[string]any{"name": "pipeline"})
		require.NoError(t, err)
		assert.True(t, result)
	})
	t.Run("Should leave operators inside quoted strings alone", func(t *testing.T) {
		result, err := evaluator.Evaluate(ctx, Leaf(`s == "a contains b"`),
			map[string]any{"s": "a contains b"})
		require.NoError(t, err)
		assert.True(t, result)
	})
}

func TestFromAny(t *testing.T) {
	t.Run("Should pass nil through", func(t *testing.T) {
		expr, err := FromAny(nil)
		require.NoError(t, err)
		assert.Nil(t, expr)
	})
	t.Run("Should build a leaf from a string", func(t *testing.T) {
		expr, err := FromAny("n > 1")
		require.NoError(t, err)
		assert.Equal(t, "n > 1", expr.Cond)
	})
	t.Run("Should build a tree from a decoded map", func(t *testing.T) {
		expr, err := FromAny(map[string]any{"not": "done"})
		require.NoError(t, err)
		require.NotNil(t, expr.Not)
		assert.Equal(t, "done", expr.Not.Cond)
	})
	t.Run("Should reject unsupported value kinds", func(t *testing.T) {
		_, err := FromAny(42)
		assert.Error(t, err)
	})
}

func TestRewriteInfix(t *testing.T) {
	t.Run("Should rewrite each operator once", func(t *testing.T) {
		assert.Equal(t, `contains(items, "a")`, rewriteInfix(`items contains "a"`))
		assert.Equal(t, `matches(name, "^x")`, rewriteInfix(`name matches "^x"`))
	})
	t.Run("Should not touch quoted occurrences", func(t *testing.T) {
		in := `s == "x contains y"`
		assert.Equal(t, in, rewriteInfix(in))
	})
	t.Run("Should not touch expressions without the operators", func(t *testing.T) {
		assert.Equal(t, "a > b", rewriteInfix("a > b"))
	})
	t.Run("Should rewrite every operand of a compound leaf", func(t *testing.T) {
		assert.Equal(t, `contains(x, 'a') && contains(y, 'b')`,
			rewriteInfix(`x contains 'a' && y contains 'b'`))
		assert.Equal(t, `matches(a, '^x') || contains(b, 'z')`,
			rewriteInfix(`a matches '^x' || b contains 'z'`))
		assert.Equal(t, `contains(x, 'a') && y > 1`,
			rewriteInfix(`x contains 'a' && y > 1`))
	})
	t.Run("Should keep logical operators inside quotes together", func(t *testing.T) {
		assert.Equal(t, `contains(x, 'a && b')`, rewriteInfix(`x contains 'a && b'`))
	})
	t.Run("Should recurse into parenthesized groups", func(t *testing.T) {
		assert.Equal(t, `(contains(x, 'a') || y > 1) && matches(z, '^r')`,
			rewriteInfix(`(x contains 'a' || y > 1) && z matches '^r'`))
	})
}
