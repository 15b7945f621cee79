package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopyMap returns a deep copy of the provided map[string]any.
func DeepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	copied, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to copy map")
	}
	return copied, nil
}
