package models

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorKind classifies every failure the pipeline can report to a caller.
type ErrorKind string

const (
	KindBadRequest           ErrorKind = "BadRequest"
	KindInvalidInputFormat   ErrorKind = "InvalidInputFormat"
	KindMissingParameter     ErrorKind = "MissingParameter"
	KindConversionFailed     ErrorKind = "ConversionFailed"
	KindConversionTimedOut   ErrorKind = "ConversionTimedOut"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindInternal             ErrorKind = "Internal"
)

// PipelineError is the error type returned by every pipeline component.
type PipelineError struct {
	Kind    ErrorKind
	Op      string // originating component, e.g. "assembler.merge"
	Message string
	Status  int    // upstream HTTP status, when one was involved
	Body    string // upstream response body, returned to the client unchanged
	Err     error
	Stack   string
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError creates a PipelineError without an underlying cause.
func NewError(kind ErrorKind, op, message string) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Message: message, Stack: callers()}
}

// Wrap creates a PipelineError around err.
func Wrap(kind ErrorKind, op, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Message: message, Err: err, Stack: callers()}
}

// KindOf reports the kind of the first PipelineError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// AsPipelineError returns err as a PipelineError, wrapping it as Internal
// when it is not one already.
func AsPipelineError(err error, op string) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(KindInternal, op, "unexpected failure", err)
}

// Diagnostic renders the free-text body returned to clients.
func (e *PipelineError) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Message: %s\n", e.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, "Status: %d\n", e.Status)
	}
	fmt.Fprintf(&b, "Source: %s\n", e.Op)
	fmt.Fprintf(&b, "Stack Trace:\n%s", e.Stack)
	return b.String()
}

func callers() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "  %s\n    %s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
