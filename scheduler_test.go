package nodeflow

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSubmitAndWait(t *testing.T) {
	reg := NewRegistry(constNode(), addNode())
	executor := newTestExecutor(t, reg, ExecutorOptions{})
	scheduler := NewScheduler(executor, nil, WithMaxConcurrentRuns(2))
	defer scheduler.Close()

	g, err := LoadString(linearGraph)
	require.NoError(t, err)

	ctx := context.Background()
	var ids []string
	for i := range 4 {
		id, err := scheduler.Submit(ctx, g, map[string]map[string]any{"a": {"value": i}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i, id := range ids {
		result, err := scheduler.Wait(ctx, id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, result.Status)
		c, _ := result.Node("c")
		require.Equal(t, float64(i+13), c.Outputs["sum"])

		status, err := scheduler.Status(ctx, id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, status)
	}
}

func TestSchedulerRejectsInvalidGraphs(t *testing.T) {
	executor := newTestExecutor(t, NewRegistry(constNode()), ExecutorOptions{})
	scheduler := NewScheduler(executor, nil)
	defer scheduler.Close()

	g, err := LoadString(linearGraph)
	require.NoError(t, err)
	_, err = scheduler.Submit(context.Background(), g, nil)
	require.True(t, IsValidationError(err))

	cyclic := &Graph{
		Nodes: []*NodeSpec{{ID: "a", Type: "test.const"}, {ID: "b", Type: "test.const"}},
		Edges: []*Edge{{From: "a.value", To: "b.value"}, {From: "b.value", To: "a.value"}},
	}
	_, err = scheduler.Submit(context.Background(), cyclic, nil)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)

	_, err = scheduler.Wait(context.Background(), "run-unknown")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, scheduler.Cancel("run-unknown"), ErrRunNotFound)
}

func TestSchedulerResumesSuspendedRuns(t *testing.T) {
	nap := &napNode{}
	reg := NewRegistry(nap)
	clock := durable.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	executor := newTestExecutor(t, reg, ExecutorOptions{Clock: clock})
	scheduler := NewScheduler(executor, nil)
	defer scheduler.Close()

	g := &Graph{Nodes: []*NodeSpec{{ID: "nap", Type: "test.nap", Values: map[string]any{"seconds": 10}}}}
	ctx := context.Background()
	id, err := scheduler.Submit(ctx, g, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 5*time.Second, time.Millisecond)
	status, err := scheduler.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, RunStatusSuspended, status)

	clock.Advance(10 * time.Second)
	result, err := scheduler.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)
	require.Equal(t, int64(1), nap.after.Load())
}

func TestSchedulerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := NewNodeFunction(Descriptor{
		Type:    "test.block",
		Outputs: []OutputSpec{{Name: "out", Type: marshal.TypeAny}},
	}, func(ctx Context) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"out": 1}, nil
	})
	spy := &spyNode{}
	reg := NewRegistry(blocking, spy)
	executor := newTestExecutor(t, reg, ExecutorOptions{})
	scheduler := NewScheduler(executor, nil)
	defer scheduler.Close()

	g := &Graph{
		Nodes: []*NodeSpec{{ID: "block", Type: "test.block"}, {ID: "next", Type: "test.spy"}},
		Edges: []*Edge{{From: "block.out", To: "next.in"}},
	}
	id, err := scheduler.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, scheduler.Cancel(id))
	close(release)

	result, err := scheduler.Wait(context.Background(), id)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RunStatusCancelled, result.Status)
	require.Zero(t, spy.calls.Load())
}

func TestSchedulerRunSyncAndClose(t *testing.T) {
	reg := NewRegistry(constNode(), addNode())
	executor := newTestExecutor(t, reg, ExecutorOptions{})
	scheduler := NewScheduler(executor, nil)

	g, err := LoadString(linearGraph)
	require.NoError(t, err)
	result, err := scheduler.RunSync(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, result.Status)

	require.NoError(t, scheduler.Close())
	_, err = scheduler.Submit(context.Background(), g, nil)
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestSchedulerForgetsFinishedRuns(t *testing.T) {
	reg := NewRegistry(constNode(), addNode())
	executor := newTestExecutor(t, reg, ExecutorOptions{})
	scheduler := NewScheduler(executor, nil, WithRetention(10*time.Millisecond))
	defer scheduler.Close()

	g, err := LoadString(linearGraph)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("after wait", func(t *testing.T) {
		id, err := scheduler.Submit(ctx, g, nil)
		require.NoError(t, err)
		result, err := scheduler.Wait(ctx, id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, result.Status)
		require.Zero(t, scheduler.Tracked())

		again, err := scheduler.Wait(ctx, id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, again.Status)
		status, err := scheduler.Status(ctx, id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, status)
	})

	t.Run("after retention", func(t *testing.T) {
		for range 5 {
			_, err := scheduler.Submit(ctx, g, nil)
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return scheduler.Tracked() == 0 }, 5*time.Second, time.Millisecond)
	})
}

func TestSchedulerCancelWhileSuspended(t *testing.T) {
	nap := &napNode{}
	reg := NewRegistry(nap)
	clock := durable.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	executor := newTestExecutor(t, reg, ExecutorOptions{Clock: clock})
	scheduler := NewScheduler(executor, nil)
	defer scheduler.Close()

	g := &Graph{Nodes: []*NodeSpec{{ID: "nap", Type: "test.nap", Values: map[string]any{"seconds": 60}}}}
	ctx := context.Background()
	id, err := scheduler.Submit(ctx, g, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, scheduler.Cancel(id))
	result, err := scheduler.Wait(ctx, id)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RunStatusCancelled, result.Status)
	require.Zero(t, nap.after.Load())

	recorded, err := executor.RunResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, RunStatusCancelled, recorded.Status)
	require.True(t, recorded.ResumeAt.IsZero())
}
