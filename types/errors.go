package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a flow failure.
type ErrorKind int

const (
	KindUnknown    ErrorKind = iota
	KindBuild                // transaction builder rejected the step
	KindSubmit               // backend rejected the submission
	KindTimeout              // confirmation not reached in time
	KindRollback             // rollback resolved to failure or retries exhausted
	KindCancelled            // handle cancelled before completion
	KindValidation           // invalid flow, detected before execution
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindSubmit:
		return "submit"
	case KindTimeout:
		return "timeout"
	case KindRollback:
		return "rollback"
	case KindCancelled:
		return "cancelled"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// FlowError is the structured error carried by step and flow results.
type FlowError struct {
	Kind    ErrorKind
	StepID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.StepID != "" {
		msg = fmt.Sprintf("step %s: %s", e.StepID, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches any FlowError of the same kind, so the Err* sentinels work with errors.Is.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is. Each matches every FlowError of its kind.
var (
	ErrBuild      = &FlowError{Kind: KindBuild, Message: "transaction build failed"}
	ErrSubmit     = &FlowError{Kind: KindSubmit, Message: "transaction submission failed"}
	ErrTimeout    = &FlowError{Kind: KindTimeout, Message: "confirmation timed out"}
	ErrRollback   = &FlowError{Kind: KindRollback, Message: "transaction rolled back"}
	ErrCancelled  = &FlowError{Kind: KindCancelled, Message: "flow cancelled"}
	ErrValidation = &FlowError{Kind: KindValidation, Message: "invalid flow"}
)

// NewFlowError creates a FlowError of the given kind.
func NewFlowError(kind ErrorKind, stepID string, cause error, format string, args ...interface{}) *FlowError {
	return &FlowError{
		Kind:    kind,
		StepID:  stepID,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// NewValidationError creates a validation error without step context.
func NewValidationError(format string, args ...interface{}) *FlowError {
	return NewFlowError(KindValidation, "", nil, format, args...)
}

// KindOf returns the kind of the first FlowError in err's chain.
func KindOf(err error) ErrorKind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
