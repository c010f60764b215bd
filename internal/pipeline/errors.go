// Package pipeline executes the document workflow: a DAG of named steps run
// layer by layer, with per-step retry and rate limiting.
package pipeline

import (
	"errors"
	"fmt"
)

// StepError reports which step failed after its attempts were exhausted.
type StepError struct {
	Step  string
	Err   error
	Fatal bool
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ErrorTag renders the job-level error tag for a run failure.
func ErrorTag(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step + "_failed"
	}
	return "pipeline_failed"
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a handler error as non-retryable. The runner fails the step
// immediately instead of burning retries on it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
