package domain

import "errors"

var (
	ErrStageNotFound    = errors.New("stage not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrSubtaskNotFound  = errors.New("subtask not found")
	ErrReporterNotFound = errors.New("reporter not found")
	ErrClientNotFound   = errors.New("client not found")

	// ErrTerminalState is returned when a mutation targets a run or subtask
	// that already reached a final status. Callers treat it as a no-op.
	ErrTerminalState = errors.New("already in a terminal state")

	// ErrInvalidTransition is returned for backwards status moves.
	ErrInvalidTransition = errors.New("invalid status transition")
)
