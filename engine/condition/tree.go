package condition

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pipevm/pipevm/engine/core"
	"github.com/pipevm/pipevm/pkg/tplengine"
)

// Expr is a boolean expression tree. Exactly one branch is set: And, Or, Not,
// or a leaf comparison string in Cond.
//
// In YAML a condition is either a plain string leaf or a single-key map:
//
//	condition: "state.n < 3"
//	condition:
//	  and:
//	    - "length(items) > 0"
//	    - or: ["status == 'ready'", "retries < 2"]
type Expr struct {
	And  []*Expr `json:"and,omitempty" yaml:"and,omitempty" mapstructure:"and,omitempty"`
	Or   []*Expr `json:"or,omitempty"  yaml:"or,omitempty"  mapstructure:"or,omitempty"`
	Not  *Expr   `json:"not,omitempty" yaml:"not,omitempty" mapstructure:"not,omitempty"`
	Cond string  `json:"cond,omitempty" yaml:"cond,omitempty" mapstructure:"cond,omitempty"`
}

func Leaf(cond string) *Expr {
	return &Expr{Cond: cond}
}

func (e *Expr) IsZero() bool {
	return e == nil || (len(e.And) == 0 && len(e.Or) == 0 && e.Not == nil && e.Cond == "")
}

func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&e.Cond)
	case yaml.MappingNode:
		type plain Expr
		return node.Decode((*plain)(e))
	default:
		return fmt.Errorf("condition must be a string or a map, got yaml kind %d", node.Kind)
	}
}

// FromAny builds an expression tree from an already-decoded YAML value.
func FromAny(v any) (*Expr, error) {
	switch node := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Leaf(node), nil
	case *Expr:
		return node, nil
	case map[string]any:
		expr, err := core.FromMapDefault[exprNode](node)
		if err != nil {
			return nil, fmt.Errorf("malformed condition: %w", err)
		}
		return expr.build()
	default:
		return nil, fmt.Errorf("condition must be a string or a map, got %T", v)
	}
}

type exprNode struct {
	And []any  `mapstructure:"and,omitempty"`
	Or  []any  `mapstructure:"or,omitempty"`
	Not any    `mapstructure:"not,omitempty"`
	Cond string `mapstructure:"cond,omitempty"`
}

func (n *exprNode) build() (*Expr, error) {
	expr := &Expr{Cond: n.Cond}
	for _, sub := range n.And {
		built, err := FromAny(sub)
		if err != nil {
			return nil, err
		}
		expr.And = append(expr.And, built)
	}
	for _, sub := range n.Or {
		built, err := FromAny(sub)
		if err != nil {
			return nil, err
		}
		expr.Or = append(expr.Or, built)
	}
	if n.Not != nil {
		built, err := FromAny(n.Not)
		if err != nil {
			return nil, err
		}
		expr.Not = built
	}
	return expr, nil
}

// Validate checks the tree is well-formed: every node has exactly one branch.
func (e *Expr) Validate() error {
	if e == nil {
		return nil
	}
	branches := 0
	if len(e.And) > 0 {
		branches++
	}
	if len(e.Or) > 0 {
		branches++
	}
	if e.Not != nil {
		branches++
	}
	if e.Cond != "" {
		branches++
	}
	if branches != 1 {
		return core.Errorf(core.CodeConfiguration,
			"condition node must have exactly one of and/or/not/leaf, got %d", branches)
	}
	for _, sub := range e.And {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range e.Or {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if e.Not != nil {
		return e.Not.Validate()
	}
	return nil
}

// Evaluator evaluates expression trees against a variable scope. It never
// mutates the scope.
type Evaluator struct {
	cel *CELEvaluator
	tpl *tplengine.TemplateEngine
}

func NewEvaluator(cel *CELEvaluator, tpl *tplengine.TemplateEngine) *Evaluator {
	return &Evaluator{cel: cel, tpl: tpl}
}

// Evaluate walks the tree with short-circuiting: and stops on the first
// false, or stops on the first true.
func (ev *Evaluator) Evaluate(ctx context.Context, expr *Expr, scope map[string]any) (bool, error) {
	if expr.IsZero() {
		return true, nil
	}
	switch {
	case len(expr.And) > 0:
		for _, sub := range expr.And {
			ok, err := ev.Evaluate(ctx, sub, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(expr.Or) > 0:
		for _, sub := range expr.Or {
			ok, err := ev.Evaluate(ctx, sub, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case expr.Not != nil:
		ok, err := ev.Evaluate(ctx, expr.Not, scope)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return ev.evaluateLeaf(ctx, expr.Cond, scope)
	}
}

// evaluateLeaf resolves any template placeholders in the leaf, rewrites the
// infix contains/matches operators into function form, and hands the result
// to the CEL evaluator.
func (ev *Evaluator) evaluateLeaf(ctx context.Context, leaf string, scope map[string]any) (bool, error) {
	expression := leaf
	if tplengine.HasTemplate(expression) {
		rendered, err := ev.tpl.RenderString(expression, scope)
		if err != nil {
			return false, err
		}
		expression = rendered
	}
	expression = rewriteInfix(expression)
	return ev.cel.Evaluate(ctx, expression, scope)
}

// rewriteInfix converts "A contains B" into "contains(A, B)" and
// "A matches B" into "matches(A, B)". The rewrite splits the leaf at
// top-level && and || first so every operand pair keeps its own grouping.
// Occurrences inside quoted strings are left alone.
func rewriteInfix(expression string) string {
	parts, seps := splitLogical(expression)
	if len(parts) == 1 {
		return rewriteSegment(expression)
	}
	changed := false
	rewritten := make([]string, len(parts))
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		rewritten[i] = rewriteSegment(trimmed)
		if rewritten[i] != trimmed {
			changed = true
		}
	}
	if !changed {
		return expression
	}
	var b strings.Builder
	for i, segment := range rewritten {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(seps[i-1])
			b.WriteString(" ")
		}
		b.WriteString(segment)
	}
	return b.String()
}

// rewriteSegment rewrites a single logical operand. Parenthesized groups
// recurse so inner leaves keep their own rewrites.
func rewriteSegment(segment string) string {
	if inner, ok := unwrapParens(segment); ok {
		return "(" + rewriteInfix(inner) + ")"
	}
	for _, op := range []string{"contains", "matches"} {
		needle := " " + op + " "
		idx := findInfix(segment, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(segment[:idx])
		right := strings.TrimSpace(segment[idx+len(needle):])
		if left == "" || right == "" {
			continue
		}
		return fmt.Sprintf("%s(%s, %s)", op, left, right)
	}
	return segment
}

// splitLogical splits an expression at top-level && and || operators,
// ignoring occurrences inside quotes or parentheses. It returns the operand
// parts and the separators between them.
func splitLogical(s string) ([]string, []string) {
	var parts, seps []string
	depth := 0
	inSingle, inDouble := false, false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		}
		if inSingle || inDouble {
			continue
		}
		switch c := s[i]; c {
		case '(':
			depth++
		case ')':
			depth--
		case '&', '|':
			if depth == 0 && i+1 < len(s) && s[i+1] == c {
				parts = append(parts, s[start:i])
				seps = append(seps, string([]byte{c, c}))
				i++
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts, seps
}

// unwrapParens reports whether the whole segment is one parenthesized group
// and returns its inner expression.
func unwrapParens(s string) (string, bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", false
	}
	depth := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		}
		if inSingle || inDouble {
			continue
		}
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i < len(s)-1 {
				return "", false
			}
		}
	}
	if depth != 0 {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// findInfix locates " op " outside quotes, or -1.
func findInfix(s, op string) int {
	needle := " " + op + " "
	inSingle, inDouble := false, false
	for i := 0; i+len(needle) <= len(s); i++ {
		switch s[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		}
		if inSingle || inDouble {
			continue
		}
		if s[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
