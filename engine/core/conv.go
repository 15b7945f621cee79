package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// AsMapDefault converts a tagged struct into a map using mapstructure tags.
func AsMapDefault(v any) (map[string]any, error) {
	out := make(map[string]any)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build map decoder: %w", err)
	}
	if err := decoder.Decode(v); err != nil {
		return nil, fmt.Errorf("failed to convert to map: %w", err)
	}
	return out, nil
}

// FromMapDefault decodes a normalized map into a tagged struct.
func FromMapDefault[T any](data any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("failed to build struct decoder: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return out, fmt.Errorf("failed to decode map: %w", err)
	}
	return out, nil
}

// ParseHumanDuration parses durations like "500ms", "30s", "5m".
func ParseHumanDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("duration cannot be empty")
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// AsSequence coerces a resolved value into an ordered sequence. Typed slices
// from YAML decoding or executor outputs are normalized to []any.
func AsSequence(v any) ([]any, bool) {
	switch seq := v.(type) {
	case []any:
		return seq, true
	case []string:
		out := make([]any, len(seq))
		for i, s := range seq {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(seq))
		for i, m := range seq {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
