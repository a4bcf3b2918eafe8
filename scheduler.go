package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrSchedulerClosed is returned by Submit after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithMaxConcurrentRuns limits how many runs execute at once. Submitted runs
// beyond the limit wait for a slot.
func WithMaxConcurrentRuns(n int64) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(n)
		}
	}
}

// WithRetention sets how long a finished run stays tracked in memory when
// nobody waits for it. Defaults to DefaultRunRetention.
func WithRetention(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// DefaultRunRetention is how long finished runs stay tracked by default.
const DefaultRunRetention = 15 * time.Minute

// Scheduler submits runs to an Executor and tracks them until they finish.
// Suspended runs are resumed in process once their wake time passes.
//
// A finished run is forgotten once Wait has returned its result, or after
// the retention period. Later calls read the run's checkpoint instead.
type Scheduler struct {
	executor  *Executor
	logger    *slog.Logger
	slots     *semaphore.Weighted
	retention time.Duration
	runs      map[string]*scheduledRun
	closed    bool
	wg        sync.WaitGroup
	mutex     sync.Mutex
}

type scheduledRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
	err    error
}

// NewScheduler returns a Scheduler backed by executor.
func NewScheduler(executor *Executor, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		executor:  executor,
		logger:    orDiscard(logger).With("component", "scheduler"),
		retention: DefaultRunRetention,
		runs:      map[string]*scheduledRun{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and compiles g, then starts the run in the background. The
// returned id can be passed to Status, Wait and Cancel. Validation and compile
// errors are returned immediately. The run outlives ctx; use Cancel to stop it.
func (s *Scheduler) Submit(ctx context.Context, g *Graph, inputs map[string]map[string]any) (string, error) {
	req, err := s.prepare(g, inputs)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return "", ErrSchedulerClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &scheduledRun{id: req.RunID, cancel: cancel, done: make(chan struct{})}
	s.runs[run.id] = run
	s.wg.Add(1)
	go s.execute(runCtx, run, req)

	s.logger.Info("run submitted", "run_id", run.id, "graph", req.Plan.Name())
	return run.id, nil
}

// RunSync runs g in the calling goroutine, waiting out any suspensions.
func (s *Scheduler) RunSync(ctx context.Context, g *Graph, inputs map[string]map[string]any) (*RunResult, error) {
	req, err := s.prepare(g, inputs)
	if err != nil {
		return nil, err
	}
	return s.executor.RunToCompletion(ctx, req)
}

func (s *Scheduler) prepare(g *Graph, inputs map[string]map[string]any) (RunRequest, error) {
	if g == nil {
		return RunRequest{}, ValidationError("graph is required")
	}
	g = g.Clone()
	if err := g.Resolve(s.executor.Registry()); err != nil {
		return RunRequest{}, err
	}
	plan, err := s.executor.Compile(g)
	if err != nil {
		return RunRequest{}, err
	}
	if err := s.executor.checkPlan(plan, inputs); err != nil {
		return RunRequest{}, err
	}
	return RunRequest{Plan: plan, Inputs: inputs, RunID: NewRunID()}, nil
}

func (s *Scheduler) execute(ctx context.Context, run *scheduledRun, req RunRequest) {
	defer s.wg.Done()
	defer func() { time.AfterFunc(s.retention, func() { s.forget(run) }) }()
	defer close(run.done)
	defer run.cancel()

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			run.err = err
			return
		}
		defer s.slots.Release(1)
	}

	result, err := s.executor.RunToCompletion(ctx, req)
	run.result, run.err = result, err
	if err != nil {
		s.logger.Warn("run ended with error", "run_id", run.id, "error", err)
	}
}

// Status returns the latest recorded status of a run. Runs the scheduler
// is not tracking are looked up through the executor's checkpointer.
func (s *Scheduler) Status(ctx context.Context, runID string) (RunStatus, error) {
	s.mutex.Lock()
	run, ok := s.runs[runID]
	s.mutex.Unlock()
	if ok {
		select {
		case <-run.done:
			if run.result != nil {
				return run.result.Status, nil
			}
			return RunStatusCancelled, nil
		default:
		}
	}
	result, err := s.executor.RunResult(ctx, runID)
	if err != nil {
		if ok && IsRunNotFound(err) {
			// Submitted but not yet checkpointed
			return RunStatusRunning, nil
		}
		return "", err
	}
	return result.Status, nil
}

// Wait blocks until a submitted run finishes or ctx is done. A run the
// scheduler no longer tracks is read from its checkpoint.
func (s *Scheduler) Wait(ctx context.Context, runID string) (*RunResult, error) {
	s.mutex.Lock()
	run, ok := s.runs[runID]
	s.mutex.Unlock()
	if !ok {
		return s.executor.RunResult(ctx, runID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.done:
		s.forget(run)
		return run.result, run.err
	}
}

// forget stops tracking a finished run.
func (s *Scheduler) forget(run *scheduledRun) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.runs[run.id] == run {
		delete(s.runs, run.id)
	}
}

// Tracked returns how many runs the scheduler holds in memory.
func (s *Scheduler) Tracked() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.runs)
}

// Cancel stops a submitted run. The run records status cancelled before the
// next node starts.
func (s *Scheduler) Cancel(runID string) error {
	s.mutex.Lock()
	run, ok := s.runs[runID]
	s.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s.logger.Info("cancelling run", "run_id", runID)
	run.cancel()
	return nil
}

// Close cancels all runs still in progress and waits for them to stop.
func (s *Scheduler) Close() error {
	s.mutex.Lock()
	s.closed = true
	for _, run := range s.runs {
		run.cancel()
	}
	s.mutex.Unlock()
	s.wg.Wait()
	return nil
}
