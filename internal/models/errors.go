package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error variables for conditions that carry no extra context.
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrStateNotFound   = errors.New("state not found")
	ErrEmptyIdentity   = errors.New("identity cannot be empty")
)

// StepExecutionError is a transient collaborator failure or timeout inside a
// step executor.
type StepExecutionError struct {
	Executor ExecutorType
	ActionID string
	Attempts int
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempt(s): %v", e.ActionID, e.Executor, e.Attempts, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// UnknownStepTypeError is raised when a flow references an executor tag that
// has no registered executor.
type UnknownStepTypeError struct {
	Executor ExecutorType
	ActionID string
}

func (e *UnknownStepTypeError) Error() string {
	return fmt.Sprintf("unknown step type %q in action %s", e.Executor, e.ActionID)
}

// FlowNotFoundError is returned when every resolver strategy came up empty.
type FlowNotFoundError struct {
	Intent string
	Module string
}

func (e *FlowNotFoundError) Error() string {
	return fmt.Sprintf("no flow for intent %q module %q", e.Intent, e.Module)
}

func (e *FlowNotFoundError) Unwrap() error { return ErrFlowNotFound }

// InvalidTransitionError means the computed signal has no entry in the state's
// transition table and no default. It indicates a malformed flow definition.
type InvalidTransitionError struct {
	FlowID  string
	StateID string
	Signal  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("flow %s state %s: no transition for signal %q and no default", e.FlowID, e.StateID, e.Signal)
}

// FlowValidationError lists the problems that keep a flow out of the registry.
type FlowValidationError struct {
	FlowID   string
	Problems []string
}

func (e *FlowValidationError) Error() string {
	return fmt.Sprintf("flow %s is invalid: %s", e.FlowID, strings.Join(e.Problems, "; "))
}
