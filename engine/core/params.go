package core

import (
	"fmt"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// ID
// -----------------------------------------------------------------------------

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (i ID) String() string {
	return string(i)
}

// -----------------------------------------------------------------------------
// Input / Output
// -----------------------------------------------------------------------------

// Input holds the resolved configuration values handed to a step executor.
type Input map[string]any

// Output holds the value a step produced. Scalars and sequences returned by
// executors are wrapped under the "value" key so results always traverse as maps.
type Output map[string]any

func NewInput(data map[string]any) Input {
	if data == nil {
		return Input{}
	}
	return Input(data)
}

func (i Input) AsMap() map[string]any {
	return map[string]any(i)
}

func (o Output) AsMap() map[string]any {
	return map[string]any(o)
}

func (i Input) Get(key string) any {
	return i[key]
}

// GetString returns the value under key coerced to a string, or the empty
// string when the key is absent.
func (i Input) GetString(key string) string {
	v, ok := i[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// WrapValue boxes an arbitrary executor return value into an Output. Maps pass
// through unchanged so their keys stay addressable by dotted paths.
func WrapValue(v any) Output {
	switch val := v.(type) {
	case nil:
		return Output{}
	case Output:
		return val
	case map[string]any:
		return Output(val)
	default:
		return Output{"value": val}
	}
}

// UnwrapValue reverses WrapValue: an Output holding only the "value" key
// yields the bare value, anything else yields the map itself.
func UnwrapValue(o Output) any {
	if len(o) == 1 {
		if v, ok := o["value"]; ok {
			return v
		}
	}
	return map[string]any(o)
}
