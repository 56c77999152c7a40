package crxruntime

import "errors"

// Error codes carried by RuntimeError.
const (
	CodeEnvironmentViolation  = "ENVIRONMENT_VIOLATION"
	CodeShapeMismatch         = "SHAPE_MISMATCH"
	CodeUnsupportedCapability = "UNSUPPORTED_CAPABILITY"
	CodeNotAvailable          = "NOT_AVAILABLE"
	CodeTransportError        = "TRANSPORT_ERROR"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
)

// RuntimeError is a structured error from the runtime surface.
type RuntimeError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`

	cause error
}

func (e *RuntimeError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode returns the wire code.
func (e *RuntimeError) ErrorCode() string {
	return e.Code
}

// Is matches any RuntimeError with the same code.
func (e *RuntimeError) Is(target error) bool {
	var t *RuntimeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Unwrap returns the underlying cause, if any.
func (e *RuntimeError) Unwrap() error {
	return e.cause
}

// NewRuntimeError creates a new RuntimeError.
func NewRuntimeError(code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

func wrapError(code string, cause error) *RuntimeError {
	return &RuntimeError{Code: code, Message: cause.Error(), cause: cause}
}

// Sentinels for errors.Is.
var (
	ErrEnvironmentViolation  = NewRuntimeError(CodeEnvironmentViolation, "operation not permitted in this environment")
	ErrUnsupportedCapability = NewRuntimeError(CodeUnsupportedCapability, "capability is not supported")
	ErrNotAvailable          = NewRuntimeError(CodeNotAvailable, "capability is not available in this environment")
)
