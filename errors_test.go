package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapping(t *testing.T) {
	err := NewError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	originalErr := errors.New("network connection failed")
	wrappedErr := &Error{
		Type:    ErrorTypeNodeExecution,
		Cause:   originalErr.Error(),
		NodeID:  "fetch",
		Wrapped: originalErr,
	}
	require.Equal(t, `node_execution_error: node "fetch": network connection failed`, wrappedErr.Error())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var nErr *Error
	require.True(t, errors.As(wrappedErr, &nErr))
	require.Equal(t, ErrorTypeNodeExecution, nErr.Type)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), ErrorTypeNodeExecution},
		{"poll timeout", fmt.Errorf("render: %w", durable.ErrPollTimeout), ErrorTypeTimeout},
		{"io deadline", &os.PathError{Op: "read", Path: "pipe", Err: os.ErrDeadlineExceeded}, ErrorTypeTimeout},
		{"timeout in message", errors.New("invalid timeout value"), ErrorTypeNodeExecution},
		{"generic", errors.New("something went wrong"), ErrorTypeNodeExecution},
		{"missing credential", fmt.Errorf("%w: API_TOKEN", ErrMissingCredential), ErrorTypeSystem},
		{"credits", ErrInsufficientCredits, ErrorTypeSystem},
		{"step configuration", durable.Configuration(errors.New("no api key")), ErrorTypeSystem},
		{"ledger", fmt.Errorf("%w: disk full", durable.ErrLedger), ErrorTypeSystem},
		{"no store", marshal.ErrNoStore, ErrorTypeSystem},
		{"store down", fmt.Errorf("%w: connection refused", marshal.ErrStore), ErrorTypeSystem},
		{"object missing", fmt.Errorf("%w: %w", marshal.ErrStore, objectstore.ErrNotFound), ErrorTypeNodeExecution},
		{"value error", &marshal.ValueError{Type: marshal.TypeObject, Reason: "expected object"}, ErrorTypeNodeExecution},
		{"cycle", &CycleError{Nodes: []string{"a", "b"}}, ErrorTypeCyclicGraph},
		{"validation", ValidationError("bad port %q", "x"), ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			require.True(t, errors.Is(classified, tt.err) || classified == tt.err)
		})
	}

	t.Run("passthrough", func(t *testing.T) {
		original := NewError(ErrorTypeSystem, "runtime error")
		require.Same(t, original, ClassifyError(original))
	})

	t.Run("nil", func(t *testing.T) {
		require.Nil(t, ClassifyError(nil))
		require.False(t, IsSystemError(nil))
	})
}

func TestErrorPredicates(t *testing.T) {
	require.True(t, IsSystemError(SystemError(errors.New("boom"))))
	require.True(t, IsValidationError(&CycleError{Nodes: []string{"a"}}))
	require.True(t, IsValidationError(fmt.Errorf("compile: %w", ValidationError("empty graph"))))
	require.True(t, IsNodeError(errors.New("bad input")))
	require.True(t, IsNodeError(context.DeadlineExceeded))
	require.False(t, IsNodeError(ErrInsufficientCredits))
}

func TestCycleErrorMessage(t *testing.T) {
	err := &CycleError{Nodes: []string{"a", "b", "c"}}
	require.Equal(t, "graph contains a cycle: a -> b -> c -> a", err.Error())

	var nErr *Error
	require.True(t, errors.As(err, &nErr))
	require.Equal(t, ErrorTypeCyclicGraph, nErr.Type)
}
