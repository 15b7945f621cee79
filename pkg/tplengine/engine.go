package tplengine

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/pipevm/pipevm/engine/core"
)

// TemplateEngine resolves {{ ... }} placeholder expressions against a flat
// variable scope. A template that is a single pure reference (for example
// "{{ .results.fetch.items }}") resolves to the referenced value with its
// original type; templates embedded in surrounding text always resolve to a
// string.
//
// Unresolved references fail loudly with a resolution_error naming the path.
// There is no literal-passthrough mode.
type TemplateEngine struct {
	funcs template.FuncMap
}

func NewEngine() *TemplateEngine {
	return &TemplateEngine{funcs: sprig.FuncMap()}
}

// HasTemplate returns true if the string contains template markers.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderString renders a template string against the scope. The result is
// always a string; use ResolveValue to preserve types.
func (e *TemplateEngine) RenderString(templateStr string, scope map[string]any) (string, error) {
	if !HasTemplate(templateStr) {
		return templateStr, nil
	}
	tmpl, err := template.New("inline").Option("missingkey=error").Funcs(e.funcs).Parse(templateStr)
	if err != nil {
		return "", core.NewError(fmt.Errorf("failed to parse template %q: %w", templateStr, err), core.CodeConfiguration, nil)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", core.NewError(fmt.Errorf("template execution error: %w", err), core.CodeResolution,
			map[string]any{"template": templateStr})
	}
	return buf.String(), nil
}

// ResolveValue resolves a single value. Strings are rendered (with type
// preservation for pure references), maps and sequences are resolved
// recursively, everything else passes through unchanged.
func (e *TemplateEngine) ResolveValue(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, scope)
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := e.ResolveValue(val, scope)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve template in map key %s: %w", k, err)
			}
			result[k] = resolved
		}
		return result, nil
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			resolved, err := e.ResolveValue(val, scope)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve template in sequence index %d: %w", i, err)
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

// ResolveInput resolves every value of a step's configuration map.
func (e *TemplateEngine) ResolveInput(input map[string]any, scope map[string]any) (core.Input, error) {
	if input == nil {
		return core.Input{}, nil
	}
	resolved, err := e.ResolveValue(map[string]any(input), scope)
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved input is not a map")
	}
	return core.NewInput(m), nil
}

func (e *TemplateEngine) resolveString(v string, scope map[string]any) (any, error) {
	if !HasTemplate(v) {
		return v, nil
	}
	if path, ok := pureReferencePath(v); ok {
		value, err := TraversePath(scope, path)
		if err != nil {
			return nil, err
		}
		return value, nil
	}
	return e.RenderString(v, scope)
}

// pureReferencePath reports whether the template is a single bare reference
// like "{{ .a.b }}" and returns the dotted path without the leading dot.
func pureReferencePath(templateStr string) (string, bool) {
	trimmed := strings.TrimSpace(templateStr)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	if strings.Count(trimmed, "{{") != 1 || strings.Count(trimmed, "}}") != 1 {
		return "", false
	}
	content := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	if strings.Contains(content, "|") || strings.Contains(content, " ") {
		return "", false
	}
	if !strings.HasPrefix(content, ".") || len(content) < 2 {
		return "", false
	}
	return content[1:], true
}

// TraversePath walks a dotted path through keyed maps and ordered sequences
// (numeric index). Navigating through a non-container value or past a missing
// key is a resolution error naming the full path.
func TraversePath(scope map[string]any, path string) (any, error) {
	var current any = scope
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		next, err := traverseStep(current, part)
		if err != nil {
			return nil, core.NewError(
				fmt.Errorf("variable not found: %s: %w", path, err),
				core.CodeResolution,
				map[string]any{"path": path, "segment": part},
			)
		}
		current = next
	}
	return current, nil
}

func traverseStep(current any, part string) (any, error) {
	switch c := current.(type) {
	case map[string]any:
		val, ok := c[part]
		if !ok {
			return nil, fmt.Errorf("no such key %q", part)
		}
		return val, nil
	case core.Input:
		val, ok := c[part]
		if !ok {
			return nil, fmt.Errorf("no such key %q", part)
		}
		return val, nil
	case core.Output:
		val, ok := c[part]
		if !ok {
			return nil, fmt.Errorf("no such key %q", part)
		}
		return val, nil
	case []any:
		idx, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("sequence index %q is not numeric", part)
		}
		if idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("sequence index %d out of range (len %d)", idx, len(c))
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("cannot navigate through %T", current)
	}
}
