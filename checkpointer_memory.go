package nodeflow

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
)

// MemoryCheckpointer keeps the latest checkpoint of each run in memory. Stored
// checkpoints are encoded so later mutation by the caller has no effect.
type MemoryCheckpointer struct {
	mutex       sync.RWMutex
	checkpoints map[string][]byte
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string][]byte{}}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := xjson.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.checkpoints[checkpoint.RunID] = data
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	c.mutex.RLock()
	data, ok := c.checkpoints[runID]
	c.mutex.RUnlock()
	if !ok {
		return nil, nil
	}
	var checkpoint Checkpoint
	if err := xjson.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.checkpoints, runID)
	return nil
}

// ListRuns returns summaries of all stored runs, newest first.
func (c *MemoryCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	c.mutex.RLock()
	runIDs := make([]string, 0, len(c.checkpoints))
	for runID := range c.checkpoints {
		runIDs = append(runIDs, runID)
	}
	c.mutex.RUnlock()

	summaries := make([]*RunSummary, 0, len(runIDs))
	for _, runID := range runIDs {
		checkpoint, err := c.LoadCheckpoint(ctx, runID)
		if err != nil || checkpoint == nil {
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []*RunSummary) {
	slices.SortFunc(summaries, func(a, b *RunSummary) int {
		return b.StartTime.Compare(a.StartTime)
	})
}
