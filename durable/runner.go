// Package durable lets a long-running node perform checkpointed steps and
// waits that survive replay.
//
// A Runner is bound to one node invocation. Every call to Do or Sleep is
// assigned a step key, by default from its position in the call sequence. The
// first time a step completes its result is written to a Ledger; when the
// invocation is replayed the recorded result is returned without calling the
// step function again. Node code must therefore issue its unkeyed steps in
// the same order on every replay; steps that may be skipped should carry an
// explicit key.
package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/retry"
	"golang.org/x/text/unicode/norm"
)

// Options configures a Runner.
type Options struct {
	Ledger Ledger
	Clock  Clock
	Logger *slog.Logger

	// InlineSleep is the longest sleep served by blocking in process. Longer
	// sleeps suspend the invocation.
	InlineSleep time.Duration
}

// Runner executes durable steps for a single node invocation.
type Runner struct {
	invocationID string
	ledger       Ledger
	clock        Clock
	logger       *slog.Logger
	inlineSleep  time.Duration
	seq          int
}

// InvocationID builds the id that scopes the step records of one node in one run.
func InvocationID(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// NewRunner returns a Runner for the given invocation. A nil ledger falls back
// to an in-memory one, which only protects against replays within the process.
func NewRunner(invocationID string, opts Options) *Runner {
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		invocationID: invocationID,
		ledger:       ledger,
		clock:        clock,
		logger:       logger.With("invocation_id", invocationID),
		inlineSleep:  opts.InlineSleep,
	}
}

// InvocationID returns the invocation this runner is bound to.
func (r *Runner) InvocationID() string {
	return r.invocationID
}

// Now returns the runner's clock time.
func (r *Runner) Now() time.Time {
	return r.clock.Now()
}

// nextKey returns the key of the next step. Only unkeyed steps advance the
// call sequence, so a keyed step that is skipped on replay does not shift the
// positional keys after it.
func (r *Runner) nextKey(explicit string) string {
	if explicit != "" {
		return "key:" + norm.NFC.String(explicit)
	}
	r.seq++
	return "step-" + strconv.Itoa(r.seq)
}

func (r *Runner) lookup(ctx context.Context, key string, kind StepKind) (*StepRecord, error) {
	record, err := r.ledger.Get(ctx, r.invocationID, key)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedger, err)
	}
	if record.Kind != kind {
		return nil, fmt.Errorf("%w: step %s was recorded as %s, now requested as %s",
			ErrNonDeterministic, key, record.Kind, kind)
	}
	return record, nil
}

func (r *Runner) save(ctx context.Context, record *StepRecord) error {
	if err := r.ledger.Put(ctx, record); err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}
	return nil
}

// Do runs fn as a checkpointed step and decodes its result into out, which
// may be nil. On replay the recorded result is decoded and fn is not called.
// An error from fn is returned as is and nothing is recorded, so the step is
// attempted again on the next replay. An empty key selects the positional key.
func (r *Runner) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error), out any) error {
	key = r.nextKey(key)

	record, err := r.lookup(ctx, key, KindStep)
	if err != nil {
		return err
	}
	if record != nil {
		r.logger.Debug("replaying step", "key", key)
		return decodeResult(record.Result, out)
	}

	started := r.clock.Now()
	result, err := fn(ctx)
	if err != nil {
		r.logger.Debug("step failed", "key", key, "error", err)
		return err
	}
	data, err := xjson.Marshal(result)
	if err != nil {
		return fmt.Errorf("step %s result is not serializable: %w", key, err)
	}
	if err := r.save(ctx, &StepRecord{
		InvocationID: r.invocationID,
		Key:          key,
		Kind:         KindStep,
		Result:       data,
		CreatedAt:    started,
		CompletedAt:  r.clock.Now(),
	}); err != nil {
		return err
	}
	r.logger.Debug("recorded step", "key", key)

	// Decode from the recorded bytes so a first run and a replay observe the
	// same value.
	return decodeResult(data, out)
}

// DoWithRetry is Do with recoverable failures of fn retried in place before
// the step gives up.
func (r *Runner) DoWithRetry(ctx context.Context, key string, fn func(ctx context.Context) (any, error), out any, opts ...retry.Option) error {
	return r.Do(ctx, key, func(ctx context.Context) (any, error) {
		var result any
		err := retry.Do(ctx, func() error {
			var err error
			result, err = fn(ctx)
			return err
		}, opts...)
		return result, err
	}, out)
}

// Step is the typed form of Runner.Do.
func Step[T any](ctx context.Context, r *Runner, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, &out)
	return out, err
}

// Sleep waits for d durably. The first call records the wake time; if d is
// within the inline threshold the call blocks, otherwise it returns a
// *Suspension and the invocation should yield. A replayed Sleep whose wake
// time has passed returns nil immediately.
func (r *Runner) Sleep(ctx context.Context, d time.Duration) error {
	key := r.nextKey("")

	record, err := r.lookup(ctx, key, KindSleep)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	if record == nil {
		record = &StepRecord{
			InvocationID: r.invocationID,
			Key:          key,
			Kind:         KindSleep,
			WakeAt:       now.Add(d),
			CreatedAt:    now,
		}
		if err := r.save(ctx, record); err != nil {
			return err
		}
	}

	remaining := record.WakeAt.Sub(now)
	if remaining <= 0 {
		return nil
	}
	if remaining > r.inlineSleep {
		r.logger.Debug("suspending", "key", key, "wake_at", record.WakeAt)
		return &Suspension{InvocationID: r.invocationID, Key: key, WakeAt: record.WakeAt}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(remaining):
		return nil
	}
}

// SetExternalID records the id of an external job under key, for example a
// prediction id returned by a submit call, so a replay can find it even if
// the step that produced it was not recorded.
func (r *Runner) SetExternalID(ctx context.Context, key, externalID string) error {
	now := r.clock.Now()
	return r.save(ctx, &StepRecord{
		InvocationID: r.invocationID,
		Key:          "external:" + norm.NFC.String(key),
		Kind:         KindExternal,
		ExternalID:   externalID,
		CreatedAt:    now,
		CompletedAt:  now,
	})
}

// ExternalID returns the id recorded with SetExternalID, or "" if none.
func (r *Runner) ExternalID(ctx context.Context, key string) (string, error) {
	record, err := r.lookup(ctx, "external:"+norm.NFC.String(key), KindExternal)
	if err != nil || record == nil {
		return "", err
	}
	return record.ExternalID, nil
}

func decodeResult(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode step result: %w", err)
	}
	return nil
}
