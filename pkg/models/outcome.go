package models

import "time"

// OutcomeKind classifies how a subprocess run ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// ExecutionOutcome is the result value of one subprocess invocation. Failures
// travel as data so the terminal state transition is always taken
// deliberately; no error crosses the worker boundary before the run lock is
// released.
type ExecutionOutcome struct {
	Kind     OutcomeKind
	ExitCode *int
	Message  string
	Duration time.Duration
}
