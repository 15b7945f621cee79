package runtime

import (
	"context"
	"time"
)

// Snapshot is the opaque state handed to the checkpoint hook after a step
// completes. It is a deep copy; the interpreter never reads it back.
type Snapshot struct {
	Pipeline  string         `json:"pipeline"`
	ExecID    string         `json:"exec_id"`
	Step      string         `json:"step"`
	Depth     int            `json:"depth"`
	Results   map[string]any `json:"results"`
	Variables map[string]any `json:"variables"`
	TakenAt   time.Time      `json:"taken_at"`
}

// CheckpointHook receives snapshots for external resume. Hook failures are
// logged and never fail the run.
type CheckpointHook interface {
	Save(ctx context.Context, snapshot *Snapshot) error
}

type noopCheckpoint struct{}

func (noopCheckpoint) Save(context.Context, *Snapshot) error {
	return nil
}
