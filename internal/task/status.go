package task

// Status is the lifecycle state of a supervised task.
//
// Tasks start in working. Terminal statuses are absorbing: once a task is
// completed, failed or cancelled, no event or call moves it again.
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true for statuses a running worker can still advance.
func (s Status) IsActive() bool {
	return s == StatusWorking || s == StatusInputRequired
}

func (s Status) String() string {
	return string(s)
}

// Agent selects the worker's operating mode.
type Agent string

const (
	AgentExplore Agent = "explore"
	AgentPlan    Agent = "plan"
	AgentBuild   Agent = "build"
)

// IsValid reports whether a is one of the known agent modes.
// The empty agent is valid and means "worker default".
func (a Agent) IsValid() bool {
	switch a {
	case "", AgentExplore, AgentPlan, AgentBuild:
		return true
	default:
		return false
	}
}
