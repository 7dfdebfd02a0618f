package pyrexis

import (
	"errors"
	"fmt"
)

// FaultKind classifies an execution failure for retry purposes.
type FaultKind int

const (
	// FaultTransient failures are eligible for retry while the job has
	// attempts remaining. This is the default classification.
	FaultTransient FaultKind = iota

	// FaultFatal failures bypass the retry budget and terminate the job.
	FaultFatal

	// FaultCancelled marks a cancellation. It is terminal but produces
	// neither output nor an error record.
	FaultCancelled
)

// String returns the lowercase name of the kind.
func (k FaultKind) String() string {
	switch k {
	case FaultFatal:
		return "fatal"
	case FaultCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Fault pairs an error with its retry classification. Stages and backends
// wrap errors in a Fault to override the default transient classification.
type Fault struct {
	Kind FaultKind
	Err  error
}

// Error implements the error interface.
func (f *Fault) Error() string { return f.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (f *Fault) Unwrap() error { return f.Err }

// Fatal wraps err as a non-retryable fault.
func Fatal(err error) error {
	return &Fault{Kind: FaultFatal, Err: err}
}

// Fatalf formats a non-retryable fault.
func Fatalf(format string, args ...any) error {
	return &Fault{Kind: FaultFatal, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as an explicitly retryable fault.
func Transient(err error) error {
	return &Fault{Kind: FaultTransient, Err: err}
}

// KindOf returns the classification of err. An explicit Fault wins;
// otherwise errors belonging to the validation, routing, and serialization
// families are fatal and everything else is transient.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidJob),
		errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnknownPipeline),
		errors.Is(err, ErrSerialization):
		return FaultFatal
	}
	return FaultTransient
}
