package executor

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned by Execute when the hourly execution budget is
// spent. The plan stays approved and can be retried later.
var ErrRateLimited = errors.New("execution rate limited")

// StepErrorKind classifies a failed step
type StepErrorKind string

const (
	StepErrorPolicy      StepErrorKind = "policy"
	StepErrorTimeout     StepErrorKind = "timeout"
	StepErrorFailed      StepErrorKind = "failed"
	StepErrorUnsupported StepErrorKind = "unsupported"
)

// StepError describes why a step did not succeed. Its message is what gets
// recorded in the execution log.
type StepError struct {
	Index  int
	Action string
	Kind   StepErrorKind
	Detail string
	Err    error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s step %d %s", e.Action, e.Index+1, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}
