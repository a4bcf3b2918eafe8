package marshal

import (
	"errors"
	"fmt"
)

// ValueError reports a value whose shape does not match its declared type.
// It is the node's fault, not the infrastructure's.
type ValueError struct {
	Type   Type
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid %s value: %s", e.Type, e.Reason)
}

func newValueError(t Type, format string, args ...any) *ValueError {
	return &ValueError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// CoercionError reports an external argument that could not be converted at
// all, such as undecodable base64 or a reference to an unknown object.
type CoercionError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *CoercionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot coerce to %s: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot coerce to %s: %s", e.Type, e.Reason)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// IsValueError reports whether err is, or wraps, a *ValueError or *CoercionError.
func IsValueError(err error) bool {
	var ve *ValueError
	var ce *CoercionError
	return errors.As(err, &ve) || errors.As(err, &ce)
}
