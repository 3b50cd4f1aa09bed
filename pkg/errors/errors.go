// Package errors provides the error taxonomy and warning system used across
// the cell-classification pipeline.
//
// Fatal conditions come in two flavours: ConfigurationError (a bad or missing
// parameter, caught during validation before any heavy work) and
// DataIntegrityError (inputs that disagree with each other, e.g. a cell label
// present in a segmentation mask but absent from the cell table). Recoverable
// conditions are emitted as warnings through a process-wide handler so that a
// single degraded marker never aborts a multi-hour pipeline run.
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	Global warning handling
//
// ===========================================================================

var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		// Default handler logs to stderr.
		log.Printf("cellclassification-warning: %v\n", w)
	}
	// zerolog warning sink, injected lazily to avoid a circular import with pkg/log.
	zerologWarnFunc func(warning error)
)

// SetWarningHandler sets the process-wide warning handler. Tests use this to
// capture DegradedInputWarning emissions instead of writing to stderr.
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc injects the zerolog warning sink (set by pkg/log).
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn emits a warning. If a zerolog sink is installed it takes precedence,
// otherwise the plain handler is used.
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}
	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	Fatal error types
//
// ===========================================================================

// ConfigurationError reports a bad or missing required parameter. It is
// raised during validation, before any example is built.
type ConfigurationError struct {
	// File is the input file the parameter refers to, if any.
	File string
	// Key is the offending parameter or column name.
	Key string
	// Reason describes what is wrong with the value.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("configuration error: %s (key %q, file %s)", e.Reason, e.Key, e.File)
	}
	return fmt.Sprintf("configuration error: %s (key %q)", e.Reason, e.Key)
}

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *ConfigurationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("file", e.File).
		Str("key", e.Key).
		Str("reason", e.Reason).
		Str("type", "ConfigurationError")
}

// NewConfigurationError creates a ConfigurationError with a stack trace.
func NewConfigurationError(file, key, reason string) error {
	return errors.WithStack(&ConfigurationError{File: file, Key: key, Reason: reason})
}

// DataIntegrityError reports inputs that contradict each other: a label in a
// segmentation mask without a cell-table row, a sample in the cell table that
// no data folder provides, a marker missing from the conversion matrix. The
// message always names the offending key so the root cause is locatable.
type DataIntegrityError struct {
	// Subject is the thing that is inconsistent ("label", "sample", "marker", ...).
	Subject string
	// Key is the offending value, rendered as a string.
	Key string
	// Context names where the mismatch was detected (sample folder, file, ...).
	Context string
	// Reason describes the mismatch.
	Reason string
}

func (e *DataIntegrityError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("data integrity error: %s %q in %s: %s", e.Subject, e.Key, e.Context, e.Reason)
	}
	return fmt.Sprintf("data integrity error: %s %q: %s", e.Subject, e.Key, e.Reason)
}

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *DataIntegrityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("subject", e.Subject).
		Str("key", e.Key).
		Str("context", e.Context).
		Str("reason", e.Reason).
		Str("type", "DataIntegrityError")
}

// NewDataIntegrityError creates a DataIntegrityError with a stack trace.
func NewDataIntegrityError(subject, key, context, reason string) error {
	return errors.WithStack(&DataIntegrityError{Subject: subject, Key: key, Context: context, Reason: reason})
}

// ===========================================================================
//
//	Warnings
//
// ===========================================================================

// DegradedInputWarning reports an input that could not be used but whose
// absence the pipeline can work around, e.g. a marker image missing from one
// folder during normalization sampling. The run continues.
type DegradedInputWarning struct {
	Marker string
	Folder string
	Reason string
}

func (w *DegradedInputWarning) Error() string {
	if w.Folder != "" {
		return fmt.Sprintf("degraded input: marker %q in folder %s: %s", w.Marker, w.Folder, w.Reason)
	}
	return fmt.Sprintf("degraded input: marker %q: %s", w.Marker, w.Reason)
}

// MarshalZerologObject adds structured warning fields to a zerolog event.
func (w *DegradedInputWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("marker", w.Marker).
		Str("folder", w.Folder).
		Str("reason", w.Reason).
		Str("type", "DegradedInputWarning")
}

// NewDegradedInputWarning creates a DegradedInputWarning.
func NewDegradedInputWarning(marker, folder, reason string) *DegradedInputWarning {
	return &DegradedInputWarning{Marker: marker, Folder: folder, Reason: reason}
}

// ===========================================================================
//
//	Inspection and aggregation helpers
//
// ===========================================================================

// IsConfigurationError reports whether err contains a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDataIntegrityError reports whether err contains a DataIntegrityError.
func IsDataIntegrityError(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}

// Join combines all non-nil errors into one. Validation uses it so that a
// single pass reports every failing check instead of the first one only.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Wrapf annotates err with a formatted message, preserving the stack.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Newf creates a new error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// As reports whether any error in err's chain matches target, assigning it.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
