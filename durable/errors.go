package durable

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPollTimeout is returned by Poll when the job did not reach a terminal
	// state within the allowed number of attempts.
	ErrPollTimeout = errors.New("timed out waiting for external job")

	// ErrConfiguration marks a step failure caused by missing credentials or
	// other setup problems that retrying cannot fix.
	ErrConfiguration = errors.New("step configuration error")

	// ErrLedger wraps failures reading or writing step records.
	ErrLedger = errors.New("step ledger failure")

	// ErrNonDeterministic is returned when a replay reaches a recorded step
	// with a different kind than the one now being requested.
	ErrNonDeterministic = errors.New("non-deterministic step sequence")

	// ErrRecordNotFound is returned by Ledger.Get for unknown keys.
	ErrRecordNotFound = errors.New("step record not found")
)

// Suspension is returned by Sleep when the invocation should yield until
// WakeAt. It travels up as an error so node code can simply return it.
type Suspension struct {
	InvocationID string
	Key          string
	WakeAt       time.Time
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("invocation %s suspended until %s", s.InvocationID, s.WakeAt.Format(time.RFC3339))
}

// IsSuspended reports whether err carries a Suspension and returns it.
func IsSuspended(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// Configuration wraps err so that it is classified as a configuration failure.
func Configuration(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// IsConfiguration reports whether err was marked with Configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
