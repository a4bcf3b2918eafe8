package nodeflow

import (
	"time"

	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// Checkpoint contains a complete snapshot of a run. Values are held in their
// portable form so binary data stays in the object store.
type Checkpoint struct {
	ID           string                                      `json:"id"`
	RunID        string                                      `json:"run_id"`
	GraphName    string                                      `json:"graph_name,omitempty"`
	Graph        *Graph                                      `json:"graph"`
	Status       RunStatus                                   `json:"status"`
	Inputs       map[string]map[string]marshal.PortableValue `json:"inputs,omitempty"`
	Nodes        map[string]*NodeExecution                   `json:"nodes"`
	ResumeAt     time.Time                                   `json:"resume_at"`
	Error        string                                      `json:"error,omitempty"`
	ErrorType    string                                      `json:"error_type,omitempty"`
	StartTime    time.Time                                   `json:"start_time"`
	EndTime      time.Time                                   `json:"end_time"`
	CheckpointAt time.Time                                   `json:"checkpoint_at"`
}

// Duration returns how long the run has taken so far.
func (c *Checkpoint) Duration() time.Duration {
	if !c.EndTime.IsZero() {
		return c.EndTime.Sub(c.StartTime)
	}
	return c.CheckpointAt.Sub(c.StartTime)
}

// Summary returns the summary view of the checkpoint.
func (c *Checkpoint) Summary() *RunSummary {
	return &RunSummary{
		RunID:     c.RunID,
		GraphName: c.GraphName,
		Status:    c.Status,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
		ResumeAt:  c.ResumeAt,
		Duration:  c.Duration(),
		Error:     c.Error,
	}
}
