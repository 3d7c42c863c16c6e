// Package errors provides standardized error values for the STM runtime.
//
// Two families are kept apart: contract violations, which cannot happen in a
// correct program and are raised with Fatal, and expected conditions
// (conflicts, exhausted memory, bad configuration) which are returned.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryContract   ErrorCategory = "CONTRACT"
	CategoryResource   ErrorCategory = "RESOURCE"
	CategoryConflict   ErrorCategory = "CONFLICT"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategorySystem     ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	s := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Caller != "" {
		s += fmt.Sprintf(" (caller: %s)", e.Caller)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped cause, if any.
func (e *StandardError) Unwrap() error { return e.Err }

// Is reports whether target is a StandardError with the same category and code.
// Sentinels declared with Sentinel therefore match every error built from them.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller(2),
	}
}

// Sentinel creates a comparable error value without caller information, for
// package-level variables.
func Sentinel(category ErrorCategory, code, message string) *StandardError {
	return &StandardError{Category: category, Code: code, Message: message}
}

// With returns a copy of a sentinel carrying context and a cause.
func (e *StandardError) With(context map[string]interface{}, cause error) *StandardError {
	c := *e
	c.Context = context
	c.Err = cause
	c.Caller = caller(2)
	return &c
}

func caller(skip int) string {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

// Fatal raises a contract violation. It never returns.
func Fatal(code, format string, args ...interface{}) {
	err := NewStandardError(CategoryContract, code, fmt.Sprintf(format, args...), nil)
	err.Caller = caller(1)
	panic(err)
}

// IsContract reports whether err (or a panic value) is a contract violation.
func IsContract(err interface{}) bool {
	e, ok := err.(error)
	if !ok {
		return false
	}
	var se *StandardError
	return stderrors.As(e, &se) && se.Category == CategoryContract
}

// Common error constructors

func InvalidSize(size uintptr, context string) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_SIZE",
		fmt.Sprintf("invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidConfig(field string, value interface{}) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_CONFIG",
		fmt.Sprintf("invalid value %v for %s", value, field),
		map[string]interface{}{"field": field, "value": value})
}

func System(operation string, cause error) *StandardError {
	e := NewStandardError(CategorySystem, "SYSTEM_CALL",
		fmt.Sprintf("%s failed", operation),
		map[string]interface{}{"operation": operation})
	e.Err = cause
	return e
}
