package opt

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an optimization run failed.
type FailureKind int

const (
	// InvalidInput means a parameter vector or problem definition was
	// rejected before any solve (NaN/Inf components, inconsistent shapes).
	InvalidInput FailureKind = iota

	// NumericalFailure means the forward/adjoint solve or the quasi-Newton
	// search broke down and the restart budget could not recover it.
	NumericalFailure

	// Cancelled means the progress callback requested a stop. Never
	// recovered; no further evaluations happen after it.
	Cancelled

	// NoSolution means the run ended without a single evaluable point.
	NoSolution
)

func (k FailureKind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case NumericalFailure:
		return "numerical failure"
	case Cancelled:
		return "cancelled"
	case NoSolution:
		return "no solution"
	}
	return "unknown"
}

// OptError is the error type surfaced by the optimization driver. Use
// errors.As or IsKind to branch on the failure kind.
type OptError struct {
	Kind FailureKind
	Msg  string
	Err  error
}

func (e *OptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *OptError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an OptError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var oe *OptError
	return errors.As(err, &oe) && oe.Kind == kind
}

func failf(kind FailureKind, format string, args ...any) *OptError {
	return &OptError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind FailureKind, err error, format string, args ...any) *OptError {
	return &OptError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
