package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Sentinel errors for the control API
// ---------------------------------------------------------------------------

var (
	// ErrNotPrepared is returned by OptimizeOnNextCall when the function was
	// never passed to PrepareForOptimization and the VM requires it.
	ErrNotPrepared = errors.New("function not prepared for optimization")

	// ErrNotAFunction is returned when a control operation gets a value
	// that does not reference a function.
	ErrNotAFunction = errors.New("not a function")

	// ErrNativeFunction is returned when a tiering operation targets a
	// native function, which has no bytecode to specialize.
	ErrNativeFunction = errors.New("native functions cannot be tiered")

	// ErrUnknownFunction is returned by name lookups that find nothing.
	ErrUnknownFunction = errors.New("unknown function")
)

// ---------------------------------------------------------------------------
// ScriptError: errors raised by executing script code
// ---------------------------------------------------------------------------

// ScriptErrorCode categorizes script errors.
type ScriptErrorCode string

const (
	// ErrCodeTypeError indicates an operation on a value of the wrong kind.
	ErrCodeTypeError ScriptErrorCode = "TYPE_ERROR"

	// ErrCodeRangeError indicates a numeric limit was exceeded.
	ErrCodeRangeError ScriptErrorCode = "RANGE_ERROR"

	// ErrCodeReferenceError indicates a read of an undefined global.
	ErrCodeReferenceError ScriptErrorCode = "REFERENCE_ERROR"

	// ErrCodeAssertion indicates a failed assertOptimized/assertUnoptimized.
	ErrCodeAssertion ScriptErrorCode = "ASSERTION_FAILED"
)

// ScriptError is an error raised while running script code. It propagates
// to the caller of VM.Call unchanged by tier transitions.
type ScriptError struct {
	// Code identifies the error category.
	Code ScriptErrorCode

	// Message is a human-readable description.
	Message string

	// Function names the function executing when the error was raised.
	Function string
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Code, e.Message, e.Function)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newScriptError(code ScriptErrorCode, format string, args ...interface{}) *ScriptError {
	return &ScriptError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewTypeError creates a ScriptError with ErrCodeTypeError.
func NewTypeError(format string, args ...interface{}) *ScriptError {
	return newScriptError(ErrCodeTypeError, format, args...)
}

// IsScriptError returns true if err wraps a ScriptError with the given code.
// Uses errors.As to handle wrapped errors.
func IsScriptError(err error, code ScriptErrorCode) bool {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsAssertionError returns true if err is a failed tier assertion.
func IsAssertionError(err error) bool {
	return IsScriptError(err, ErrCodeAssertion)
}

// ---------------------------------------------------------------------------
// InvariantViolation: internal consistency failures
// ---------------------------------------------------------------------------

// InvariantViolation reports a broken internal invariant, such as a failed
// guard with no resume entry. These are bugs, not script errors, and are
// raised with panic.
type InvariantViolation struct {
	Component string
	Message   string
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Message)
}

func invariant(component, format string, args ...interface{}) {
	panic(&InvariantViolation{Component: component, Message: fmt.Sprintf(format, args...)})
}

// ---------------------------------------------------------------------------
// BailoutError: the speculative compiler declined a function
// ---------------------------------------------------------------------------

// BailoutError reports that no artifact was produced. The function keeps
// running in the baseline tier.
type BailoutError struct {
	Function string
	Reason   BailoutReason
	Detail   string
}

// Error implements the error interface.
func (e *BailoutError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("bailout %s: %s (%s)", e.Function, e.Reason, e.Detail)
	}
	return fmt.Sprintf("bailout %s: %s", e.Function, e.Reason)
}

// IsBailout returns true if err is a BailoutError.
func IsBailout(err error) bool {
	var be *BailoutError
	return errors.As(err, &be)
}
