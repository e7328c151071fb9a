// Package errs defines the pipeline's error kinds. The queue layer
// inspects them to decide whether a message is acked, terminated or
// redelivered.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrIgnorable marks garbage input: logged and acked, never retried.
	ErrIgnorable = errors.New("ignorable")
	// ErrProcessing marks a payload this worker cannot use: terminated.
	ErrProcessing = errors.New("processing")
	// ErrTransient marks a failure worth retrying after a delay.
	ErrTransient = errors.New("transient")
	// ErrData marks upstream data we cannot reconcile: logged and acked.
	ErrData = errors.New("data")
)

// Ignorablef wraps a formatted message as an ignorable error.
func Ignorablef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrIgnorable, args)...)
}

// Processingf wraps a formatted message as a processing error.
func Processingf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrProcessing, args)...)
}

// Transientf wraps a formatted message as a transient error.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrTransient, args)...)
}

// Dataf wraps a formatted message as a data error.
func Dataf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrData, args)...)
}

// Kind names the error's kind for log fields, or "unknown".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrIgnorable):
		return "ignorable"
	case errors.Is(err, ErrProcessing):
		return "processing"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrData):
		return "data"
	}
	return "unknown"
}

func prepend(err error, args []any) []any {
	return append([]any{err}, args...)
}
