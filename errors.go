package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

// Error type constants for classification and matching
const (
	// ErrorTypeValidation marks a malformed graph or port declaration. These
	// are reported before any node runs.
	ErrorTypeValidation = "validation_error"

	// ErrorTypeCyclicGraph is a validation error for graphs containing a cycle.
	ErrorTypeCyclicGraph = "cyclic_graph"

	// ErrorTypeNodeExecution marks a failure isolated to a single node. The
	// run continues with nodes that do not depend on it.
	ErrorTypeNodeExecution = "node_execution_error"

	// ErrorTypeTimeout is a node execution error caused by a deadline or an
	// exhausted poll loop.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeSystem marks an infrastructure failure. It halts the run.
	ErrorTypeSystem = "system_error"
)

var (
	// ErrMissingCredential is returned when a node needs a secret that the
	// environment does not provide.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInsufficientCredits is returned when the credit check rejects a node.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrRunNotFound is returned when no checkpoint exists for a run id.
	ErrRunNotFound = errors.New("run not found")
)

// Error represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type Error struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	NodeID  string `json:"node_id,omitempty"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Type, e.NodeID, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new Error with the specified type and cause.
func NewError(errorType, cause string) *Error {
	return &Error{Type: errorType, Cause: cause}
}

// ValidationError returns a validation error with a formatted cause.
func ValidationError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeValidation, Cause: fmt.Sprintf(format, args...)}
}

// SystemError wraps err as a system error.
func SystemError(err error) *Error {
	return &Error{Type: ErrorTypeSystem, Cause: err.Error(), Wrapped: err}
}

// CycleError reports a cycle found while compiling a graph. Nodes lists the
// node ids on one cycle in edge order.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	if len(e.Nodes) == 0 {
		return "graph contains a cycle"
	}
	path := append(append([]string{}, e.Nodes...), e.Nodes[0])
	return "graph contains a cycle: " + strings.Join(path, " -> ")
}

// Unwrap lets errors.As(err, *Error) see a cycle as a validation failure.
func (e *CycleError) Unwrap() error {
	return &Error{Type: ErrorTypeCyclicGraph, Cause: "graph contains a cycle", Details: e.Nodes}
}

// ClassifyError attempts to classify a regular error into an Error
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var cycle *CycleError
	if errors.As(err, &cycle) {
		return &Error{Type: ErrorTypeCyclicGraph, Cause: err.Error(), Details: cycle.Nodes, Wrapped: err}
	}
	var nodeflowError *Error
	if errors.As(err, &nodeflowError) {
		return nodeflowError
	}
	if isSystemCause(err) {
		return &Error{Type: ErrorTypeSystem, Cause: err.Error(), Wrapped: err}
	}
	if isTimeout(err) {
		return &Error{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &Error{Type: ErrorTypeNodeExecution, Cause: err.Error(), Wrapped: err}
}

// isTimeout matches deadline errors by identity, including network errors
// that report Timeout. Cancellation is not a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, durable.ErrPollTimeout) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// isSystemCause reports whether err is an infrastructure failure. A reference
// to an object that does not exist is a problem with the value, not the store.
func isSystemCause(err error) bool {
	switch {
	case errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, durable.ErrConfiguration),
		errors.Is(err, durable.ErrLedger),
		errors.Is(err, marshal.ErrNoStore):
		return true
	case errors.Is(err, marshal.ErrStore):
		return !objectstore.IsNotFound(err)
	}
	return false
}

// IsSystemError reports whether err halts a run.
func IsSystemError(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == ErrorTypeSystem
}

// IsValidationError reports whether err was raised while validating a graph,
// including cycles.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyError(err).Type {
	case ErrorTypeValidation, ErrorTypeCyclicGraph:
		return true
	}
	return false
}

// IsNodeError reports whether err is isolated to a single node.
func IsNodeError(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyError(err).Type {
	case ErrorTypeNodeExecution, ErrorTypeTimeout:
		return true
	}
	return false
}
