package nodeflow

import (
	"context"
	"time"
)

// NodeLogEntry records one node invocation. Values are in their exported,
// JSON-safe form.
type NodeLogEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Status     NodeStatus     `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   float64        `json:"duration"`
}

// NodeLogger keeps a log of node invocations per run
type NodeLogger interface {
	// LogNode records a finished node
	LogNode(ctx context.Context, entry *NodeLogEntry) error

	// GetNodeHistory returns the node log of a run
	GetNodeHistory(ctx context.Context, runID string) ([]*NodeLogEntry, error)
}
