// Panic containment for code paths that execute caller-supplied hooks
// (naming conventions, model and augmentation collaborators). A panic there
// becomes a structured error instead of taking down a long prep or
// training run.

package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic: the original panic value, the operation
// it was recovered in and the stack at the time of the panic.
type PanicError struct {
	PanicValue interface{}
	StackTrace string
	Operation  string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// Unwrap returns nil; the panic value is not an error chain.
func (e *PanicError) Unwrap() error {
	return nil
}

// String includes the captured stack trace.
func (e *PanicError) String() string {
	return fmt.Sprintf("panic in %s: %v\nStack trace:\n%s",
		e.Operation, e.PanicValue, e.StackTrace)
}

// NewPanicError captures the current stack for a recovered panic value.
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover converts a panic into an error assigned to *err. Deferred at the
// top of functions whose named error return should absorb panics:
//
//	func (p *Pipeline) Build() (err error) {
//	    defer errors.Recover(&err, "pipeline build")
//	    ...
//	}
//
// An error already present in *err is kept and annotated with the panic.
func Recover(err *error, operation string) {
	if r := recover(); r != nil {
		panicErr := NewPanicError(operation, r)

		if *err != nil {
			*err = fmt.Errorf("panic in %s: %v (original error: %w)",
				operation, r, *err)
		} else {
			*err = panicErr
		}
	}
}

// SafeExecute runs fn and returns its error, converting a panic into a
// PanicError. It scopes recovery to a single call, which keeps a panicking
// hook from being attributed to the surrounding operation:
//
//	err := SafeExecute("segmentation naming convention", func() error {
//	    path = cfg.SegmentationNamingConvention(folder)
//	    return nil
//	})
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}
