package core

// RunStatus represents the canonical lifecycle phases of a workflow run.
// Runs move monotonically queued -> running -> {waiting <-> running} ->
// {completed|failed|cancelled}.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// IsActive reports whether the run is still in progress.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning || s == RunWaiting
}

// NodeStatus represents the lifecycle phases of one (run, node) record.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node reached a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}
