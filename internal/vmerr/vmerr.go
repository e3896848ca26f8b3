// Package vmerr defines the VM's error types: the typed, non-unwound
// failures produced by class loading and linkage, and the execution
// errors a running thread can raise (§7).
package vmerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a VMError the way the JVM spec's own exception
// hierarchy would, without actually implementing exception unwinding.
type Kind string

const (
	ClassNotFound Kind = "ClassNotFound"
	ClassParse    Kind = "ClassFormatError"
	Linkage       Kind = "LinkageError"
	NoSuchMethod  Kind = "NoSuchMethodError"
	NoSuchField   Kind = "NoSuchFieldError"
	Execution     Kind = "ExecutionError"
	NullPointer   Kind = "NullPointerError"
	ArrayBounds   Kind = "ArrayIndexOutOfBounds"
	OutOfMemory   Kind = "OutOfMemoryError"
	StackOverflow Kind = "StackOverflowError"
)

// Frame is one entry of the call-stack snapshot attached to an error at
// the point it was raised.
type Frame struct {
	Class  string
	Method string
	PC     int
}

// VMError is the VM's one error type, distinguished by Kind. It wraps an
// underlying cause (if any) with github.com/pkg/errors so %+v formatting
// still carries a stack trace back to where the failure originated.
type VMError struct {
	Kind      Kind
	Message   string
	CallStack []Frame
	Cause     error
}

func (e *VMError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (caused by: %v)", e.Cause))
	}
	for _, f := range e.CallStack {
		sb.WriteString(fmt.Sprintf("\n  at %s.%s (pc %d)", f.Class, f.Method, f.PC))
	}
	return sb.String()
}

func (e *VMError) Unwrap() error { return e.Cause }

// Wrap attaches cause to a new VMError of kind, capturing a stack trace
// via pkg/errors at the wrap site.
func Wrap(cause error, kind Kind, message string) *VMError {
	return &VMError{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

func New(kind Kind, message string) *VMError {
	return &VMError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *VMError {
	return &VMError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithStack appends one call-stack frame, innermost call first, mirroring
// how a frame unwinds as the error propagates back through Thread.Call.
func (e *VMError) WithStack(class, method string, pc int) *VMError {
	e.CallStack = append(e.CallStack, Frame{Class: class, Method: method, PC: pc})
	return e
}

// Is reports whether err is a *VMError of the given kind, for use with
// errors.Is-style checks in the interpreter's dispatch loop.
func Is(err error, kind Kind) bool {
	var ve *VMError
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}
