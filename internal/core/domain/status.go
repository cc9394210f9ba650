package domain

type RunStatus string

const (
	RunStatusNotStarted RunStatus = "NOT_STARTED"
	RunStatusStarted    RunStatus = "STARTED"
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
	RunStatusSkipped    RunStatus = "SKIPPED"
)

// AllRunStatuses lists every run status in state machine order.
var AllRunStatuses = []RunStatus{
	RunStatusNotStarted,
	RunStatusStarted,
	RunStatusRunning,
	RunStatusCompleted,
	RunStatusFailed,
	RunStatusCancelled,
	RunStatusSkipped,
}

// ActiveRunStatuses are the statuses the reporter monitors.
var ActiveRunStatuses = []RunStatus{RunStatusStarted, RunStatusRunning}

// TerminalRunStatuses are final: no transition leaves them.
var TerminalRunStatuses = []RunStatus{
	RunStatusCompleted,
	RunStatusFailed,
	RunStatusCancelled,
	RunStatusSkipped,
}

func (s RunStatus) Valid() bool {
	for _, known := range AllRunStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s RunStatus) IsTerminal() bool {
	for _, t := range TerminalRunStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// IsActive reports whether the reporter still samples runs in this status.
func (s RunStatus) IsActive() bool {
	for _, a := range ActiveRunStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s RunStatus) rank() int {
	switch s {
	case RunStatusNotStarted:
		return 0
	case RunStatusStarted:
		return 1
	case RunStatusRunning:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether a run may move from one status to another.
// Statuses only move forward; re-asserting the current non-terminal status is allowed.
func (s RunStatus) CanTransition(to RunStatus) bool {
	if s.IsTerminal() || !to.Valid() {
		return false
	}
	return to.rank() >= s.rank()
}

// RunSourcesFor returns every status from which a run may move to target.
func RunSourcesFor(target RunStatus) []RunStatus {
	var sources []RunStatus
	for _, s := range AllRunStatuses {
		if s.CanTransition(target) {
			sources = append(sources, s)
		}
	}
	return sources
}

type SubtaskStatus string

const (
	SubtaskStatusNotStarted SubtaskStatus = "NOT_STARTED"
	SubtaskStatusStarted    SubtaskStatus = "STARTED"
	SubtaskStatusRunning    SubtaskStatus = "RUNNING"
	SubtaskStatusCompleted  SubtaskStatus = "COMPLETED"
	SubtaskStatusFailed     SubtaskStatus = "FAILED"
	SubtaskStatusSkipped    SubtaskStatus = "SKIPPED"
)

var AllSubtaskStatuses = []SubtaskStatus{
	SubtaskStatusNotStarted,
	SubtaskStatusStarted,
	SubtaskStatusRunning,
	SubtaskStatusCompleted,
	SubtaskStatusFailed,
	SubtaskStatusSkipped,
}

var TerminalSubtaskStatuses = []SubtaskStatus{
	SubtaskStatusCompleted,
	SubtaskStatusFailed,
	SubtaskStatusSkipped,
}

func (s SubtaskStatus) Valid() bool {
	for _, known := range AllSubtaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed || s == SubtaskStatusSkipped
}

func (s SubtaskStatus) rank() int {
	switch s {
	case SubtaskStatusNotStarted:
		return 0
	case SubtaskStatusStarted:
		return 1
	case SubtaskStatusRunning:
		return 2
	default:
		return 3
	}
}

func (s SubtaskStatus) CanTransition(to SubtaskStatus) bool {
	if s.IsTerminal() || !to.Valid() {
		return false
	}
	return to.rank() >= s.rank()
}

func SubtaskSourcesFor(target SubtaskStatus) []SubtaskStatus {
	var sources []SubtaskStatus
	for _, s := range AllSubtaskStatuses {
		if s.CanTransition(target) {
			sources = append(sources, s)
		}
	}
	return sources
}
