package durable

import (
	"context"
	"fmt"
	"time"
)

// PollOptions bounds a poll loop.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollOptions polls every five seconds for up to ten minutes.
func DefaultPollOptions() PollOptions {
	return PollOptions{Interval: 5 * time.Second, MaxAttempts: 120}
}

type pollResult[T any] struct {
	Value T    `json:"value"`
	Done  bool `json:"done"`
}

// Poll repeatedly sleeps for the interval and then runs check as a durable
// step, until check reports done. Each sleep may suspend the invocation; on
// replay, completed checks and elapsed sleeps are skipped. Running out of
// attempts returns ErrPollTimeout.
func Poll[T any](ctx context.Context, r *Runner, opts PollOptions, check func(ctx context.Context) (T, bool, error)) (T, error) {
	if opts.Interval <= 0 || opts.MaxAttempts <= 0 {
		defaults := DefaultPollOptions()
		if opts.Interval <= 0 {
			opts.Interval = defaults.Interval
		}
		if opts.MaxAttempts <= 0 {
			opts.MaxAttempts = defaults.MaxAttempts
		}
	}

	var zero T
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := r.Sleep(ctx, opts.Interval); err != nil {
			return zero, err
		}
		result, err := Step(ctx, r, "", func(ctx context.Context) (pollResult[T], error) {
			value, done, err := check(ctx)
			return pollResult[T]{Value: value, Done: done}, err
		})
		if err != nil {
			return zero, err
		}
		if result.Done {
			return result.Value, nil
		}
	}
	return zero, fmt.Errorf("%w after %d attempts", ErrPollTimeout, opts.MaxAttempts)
}
