package nodeflow

import "time"

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID     string        `json:"run_id"`
	GraphName string        `json:"graph_name,omitempty"`
	Status    RunStatus     `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	ResumeAt  time.Time     `json:"resume_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
