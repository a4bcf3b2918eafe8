package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
	"github.com/deepnoodle-ai/nodeflow/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

// fakePredictionAPI serves one prediction that finishes after a number of
// status checks.
type fakePredictionAPI struct {
	t          *testing.T
	server     *httptest.Server
	pending    int
	finalState string

	mu       sync.Mutex
	submits  atomic.Int64
	polls    atomic.Int64
	keys     []string
	failNext atomic.Bool
}

func newFakePredictionAPI(t *testing.T, pending int, finalState string) *fakePredictionAPI {
	api := &fakePredictionAPI{t: t, pending: pending, finalState: finalState}
	api.server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakePredictionAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/files/out.png" {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
		return
	}
	if r.Header.Get("Authorization") != "Bearer secret-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if a.failNext.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	var p Prediction
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/predictions":
		a.submits.Add(1)
		a.mu.Lock()
		a.keys = append(a.keys, r.Header.Get("Idempotency-Key"))
		a.mu.Unlock()
		var body map[string]any
		require.NoError(a.t, xjson.NewDecoder(r.Body).Decode(&body))
		require.Equal(a.t, "model-v1", body["version"])
		require.Equal(a.t, "a red fox", body["input"].(map[string]any)["prompt"])
		p = Prediction{ID: "p1", Status: "starting"}
	case r.Method == http.MethodGet && r.URL.Path == "/predictions/p1":
		n := a.polls.Add(1)
		p = Prediction{ID: "p1", Status: "processing"}
		if int(n) > a.pending {
			p.Status = a.finalState
			if a.finalState == "succeeded" {
				p.Output = []any{a.server.URL + "/files/out.png"}
			} else {
				p.Error = "content flagged"
			}
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	data, _ := xjson.Marshal(p)
	_, _ = w.Write(data)
}

func predictionExecutor(t *testing.T, api *fakePredictionAPI, clock durable.Clock, env nodeflow.Environment) (*nodeflow.Executor, *objectstore.MemoryStore) {
	store := objectstore.NewMemoryStore()
	executor := newExecutor(t, Options{
		Prediction: PredictionOptions{
			HTTPClient: api.server.Client(),
			BaseURL:    api.server.URL,
			Poll:       durable.PollOptions{Interval: time.Second, MaxAttempts: 5},
			Retry:      []retry.Option{retry.WithBaseWait(time.Millisecond), retry.WithMaxWait(time.Millisecond)},
		},
	}, nodeflow.ExecutorOptions{
		Store: store,
		Clock: clock,
		Env:   env,
	})
	return executor, store
}

func predictionValues() map[string]any {
	return map[string]any{"model": "model-v1", "prompt": "a red fox"}
}

// driveToEnd resumes a suspended run after advancing the clock to its wake
// time, until the run stops suspending.
func driveToEnd(t *testing.T, executor *nodeflow.Executor, clock *durable.FakeClock, result *nodeflow.RunResult) *nodeflow.RunResult {
	t.Helper()
	for i := 0; result.Status == nodeflow.RunStatusSuspended; i++ {
		require.Less(t, i, 20, "run did not finish")
		clock.Advance(result.ResumeAt.Sub(clock.Now()))
		var err error
		result, err = executor.Resume(context.Background(), result.RunID)
		require.NoError(t, err)
	}
	return result
}

func TestPredictionSuspendsAndCompletes(t *testing.T) {
	api := newFakePredictionAPI(t, 2, "succeeded")
	clock := durable.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	executor, store := predictionExecutor(t, api, clock, nodeflow.MapEnvironment{PredictionTokenName: "secret-token"})

	result, exec := runSingle(t, executor, "prediction", predictionValues())
	require.Equal(t, nodeflow.RunStatusSuspended, result.Status)
	require.Equal(t, nodeflow.NodeStatusSuspended, exec.Status)
	require.Equal(t, int64(1), api.submits.Load())
	require.Zero(t, api.polls.Load())

	// The gateway hiccups once; the status check is retried in place
	api.failNext.Store(true)

	result = driveToEnd(t, executor, clock, result)
	require.Equal(t, nodeflow.RunStatusCompleted, result.Status)
	require.Equal(t, int64(1), api.submits.Load(), "replays must not resubmit")
	require.Equal(t, int64(3), api.polls.Load())

	exec, _ = result.Node("n")
	require.Equal(t, "p1", exec.Outputs["prediction_id"])
	image, ok := exec.Outputs["image"].(marshal.Binary)
	require.True(t, ok)
	require.Equal(t, pngBytes, image.Data)
	require.Equal(t, "image/png", image.MimeType)

	ref := exec.Portable["image"].Ref
	require.NotNil(t, ref)
	stored, err := store.Get(context.Background(), *ref)
	require.NoError(t, err)
	require.Equal(t, pngBytes, stored)

	want := uuid.NewSHA1(uuid.NameSpaceURL, []byte(durable.InvocationID(result.RunID, "n")+"/submit")).String()
	require.Equal(t, []string{want}, api.keys)
}

func TestPredictionFailure(t *testing.T) {
	api := newFakePredictionAPI(t, 0, "failed")
	clock := durable.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	executor, _ := predictionExecutor(t, api, clock, nodeflow.MapEnvironment{PredictionTokenName: "secret-token"})

	result, _ := runSingle(t, executor, "prediction", predictionValues())
	result = driveToEnd(t, executor, clock, result)
	require.Equal(t, nodeflow.RunStatusPartialFailure, result.Status)
	exec, _ := result.Node("n")
	require.Equal(t, nodeflow.NodeStatusError, exec.Status)
	require.Equal(t, nodeflow.ErrorTypeNodeExecution, exec.ErrorType)
	require.Contains(t, exec.Error, "prediction p1 failed: content flagged")
}

func TestPredictionPollTimeout(t *testing.T) {
	api := newFakePredictionAPI(t, 100, "succeeded")
	clock := durable.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	executor, _ := predictionExecutor(t, api, clock, nodeflow.MapEnvironment{PredictionTokenName: "secret-token"})

	result, _ := runSingle(t, executor, "prediction", predictionValues())
	result = driveToEnd(t, executor, clock, result)
	exec, _ := result.Node("n")
	require.Equal(t, nodeflow.NodeStatusError, exec.Status)
	require.Equal(t, nodeflow.ErrorTypeTimeout, exec.ErrorType)
	require.Equal(t, int64(5), api.polls.Load())
}

func TestPredictionMissingTokenHalts(t *testing.T) {
	api := newFakePredictionAPI(t, 0, "succeeded")
	clock := durable.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	executor, _ := predictionExecutor(t, api, clock, nodeflow.MapEnvironment{})

	g := &nodeflow.Graph{Nodes: []*nodeflow.NodeSpec{{ID: "n", Type: "prediction", Values: predictionValues()}}}
	require.NoError(t, g.Resolve(executor.Registry()))
	plan, err := executor.Compile(g)
	require.NoError(t, err)
	result, err := executor.Run(context.Background(), nodeflow.RunRequest{Plan: plan})
	require.Error(t, err)
	require.True(t, nodeflow.IsSystemError(err))
	require.ErrorIs(t, err, nodeflow.ErrMissingCredential)
	require.Equal(t, nodeflow.RunStatusHalted, result.Status)
	require.Zero(t, api.submits.Load())
}

func TestPredictionRejectedToken(t *testing.T) {
	api := newFakePredictionAPI(t, 0, "succeeded")
	clock := durable.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	executor, _ := predictionExecutor(t, api, clock, nodeflow.MapEnvironment{PredictionTokenName: "wrong"})

	g := &nodeflow.Graph{Nodes: []*nodeflow.NodeSpec{{ID: "n", Type: "prediction", Values: predictionValues()}}}
	require.NoError(t, g.Resolve(executor.Registry()))
	plan, err := executor.Compile(g)
	require.NoError(t, err)
	result, err := executor.Run(context.Background(), nodeflow.RunRequest{Plan: plan})
	require.True(t, nodeflow.IsSystemError(err))
	require.Equal(t, nodeflow.RunStatusHalted, result.Status)
}
