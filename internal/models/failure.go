package models

import "fmt"

type FailureKind string

const (
	// FailInsufficientData marks a work unit with fewer observations than the
	// configured minimum. Expected and non-fatal.
	FailInsufficientData FailureKind = "insufficient_data"

	// FailConvergence marks a fit whose penalized solve did not produce a
	// usable solution. Expected and non-fatal.
	FailConvergence FailureKind = "convergence_failure"
)

// FitError is a per-unit fitting failure. It is caught at the unit boundary
// and counted; it never aborts a run.
type FitError struct {
	Kind   FailureKind
	Detail string
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func InsufficientData(format string, args ...any) *FitError {
	return &FitError{Kind: FailInsufficientData, Detail: fmt.Sprintf(format, args...)}
}

func ConvergenceFailure(format string, args ...any) *FitError {
	return &FitError{Kind: FailConvergence, Detail: fmt.Sprintf(format, args...)}
}
