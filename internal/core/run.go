package core

import "time"

// Run is one execution instance of a workflow.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	TenantID   string         `json:"tenantId"`
	Status     RunStatus      `json:"status"`
	Inputs     map[string]any `json:"inputs"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// RunNode is the persisted execution record for one (run, node) pair.
// One row exists per pair; it is created lazily on the first state
// transition and updated in place afterwards.
type RunNode struct {
	ID        string     `json:"id"`
	RunID     string     `json:"runId"`
	NodeID    string     `json:"nodeId"`
	Type      NodeType   `json:"type"`
	Status    NodeStatus `json:"status"`
	Inputs    any        `json:"inputs,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	Retries   int        `json:"retries"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NodeStateUpdate is the payload handed to the scheduler's persistence
// hook after each node state transition.
type NodeStateUpdate struct {
	NodeID      string
	Type        NodeType
	Status      NodeStatus
	Inputs      any
	Output      any
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
