package nodeflow

import (
	"context"
)

// Checkpointer persists run snapshots so runs can be resumed.
type Checkpointer interface {
	// SaveCheckpoint saves the current run state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run. It returns nil
	// and no error when the run is unknown.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a run
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// RunLister is implemented by checkpointers that can enumerate runs.
type RunLister interface {
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}
