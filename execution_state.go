package nodeflow

import (
	"maps"
	"sync"
	"time"

	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// runState consolidates everything a run records. All of it is serializable
// through ToCheckpoint.
type runState struct {
	runID     string
	graph     *Graph
	order     []string
	status    RunStatus
	bindings  map[string]map[string]marshal.PortableValue
	nodes     map[string]*NodeExecution
	resumeAt  time.Time
	errMsg    string
	errType   string
	startTime time.Time
	endTime   time.Time
	resumed   bool
	mutex     sync.RWMutex
}

func newRunState(runID string, plan *Plan, bindings map[string]map[string]marshal.PortableValue) *runState {
	return &runState{
		runID:    runID,
		graph:    plan.Graph(),
		order:    plan.Order(),
		status:   RunStatusRunning,
		bindings: bindings,
		nodes:    map[string]*NodeExecution{},
	}
}

// runStateFromCheckpoint restores a run. Node records are kept as they were;
// the executor decides which ones to run again.
func runStateFromCheckpoint(checkpoint *Checkpoint, plan *Plan) *runState {
	nodes := make(map[string]*NodeExecution, len(checkpoint.Nodes))
	for id, exec := range checkpoint.Nodes {
		if exec != nil {
			nodes[id] = exec.clone()
		}
	}
	return &runState{
		runID:     checkpoint.RunID,
		graph:     plan.Graph(),
		order:     plan.Order(),
		status:    checkpoint.Status,
		bindings:  checkpoint.Inputs,
		nodes:     nodes,
		resumeAt:  checkpoint.ResumeAt,
		errMsg:    checkpoint.Error,
		errType:   checkpoint.ErrorType,
		startTime: checkpoint.StartTime,
		endTime:   checkpoint.EndTime,
		resumed:   true,
	}
}

func (s *runState) node(id string) (*NodeExecution, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	exec, ok := s.nodes[id]
	return exec, ok
}

func (s *runState) setNode(exec *NodeExecution) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nodes[exec.NodeID] = exec
}

func (s *runState) deleteNode(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.nodes, id)
}

func (s *runState) binding(nodeID, input string) (marshal.PortableValue, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.bindings[nodeID][input]
	return v, ok
}

func (s *runState) setStatus(status RunStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	if status == RunStatusRunning {
		s.errMsg, s.errType = "", ""
		s.resumeAt = time.Time{}
		s.endTime = time.Time{}
	}
}

func (s *runState) setStartTime(t time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.startTime.IsZero() {
		s.startTime = t
	}
}

func (s *runState) setFinished(status RunStatus, endTime, resumeAt time.Time, err *Error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	s.endTime = endTime
	s.resumeAt = resumeAt
	s.errMsg, s.errType = "", ""
	if err != nil {
		s.errMsg, s.errType = err.Error(), err.Type
	}
}

func (s *runState) getStatus() RunStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// result builds the caller-facing view of the run.
func (s *runState) result() *RunResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := &RunResult{
		RunID:     s.runID,
		GraphName: s.graph.Name,
		Status:    s.status,
		Nodes:     make(map[string]*NodeExecution, len(s.nodes)),
		ResumeAt:  s.resumeAt,
		StartTime: s.startTime,
		EndTime:   s.endTime,
	}
	for _, id := range s.order {
		if exec, ok := s.nodes[id]; ok {
			result.Nodes[id] = exec.clone()
			result.Order = append(result.Order, id)
		}
	}
	result.Error, result.ErrorType = s.errMsg, s.errType
	return result
}

// ToCheckpoint converts the run state to a checkpoint
func (s *runState) ToCheckpoint(id string, now time.Time) *Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint := &Checkpoint{
		ID:           id,
		RunID:        s.runID,
		GraphName:    s.graph.Name,
		Graph:        s.graph,
		Status:       s.status,
		Inputs:       s.bindings,
		Nodes:        make(map[string]*NodeExecution, len(s.nodes)),
		ResumeAt:     s.resumeAt,
		StartTime:    s.startTime,
		EndTime:      s.endTime,
		CheckpointAt: now,
	}
	for id, exec := range s.nodes {
		checkpoint.Nodes[id] = exec.clone()
	}
	checkpoint.Error, checkpoint.ErrorType = s.errMsg, s.errType
	return checkpoint
}

func (e *NodeExecution) clone() *NodeExecution {
	c := *e
	c.Outputs = maps.Clone(e.Outputs)
	c.Portable = maps.Clone(e.Portable)
	return &c
}
