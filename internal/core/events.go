package core

import "time"

// EventType identifies a workflow execution event.
type EventType string

const (
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventWaitingApproval   EventType = "waiting_approval"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// ExecutionEvent is emitted by the workflow executor. For a single run,
// node_started(n) precedes every other event for n, each node yields exactly
// one terminal event, and the workflow terminal event follows the last
// per-node terminal event.
type ExecutionEvent struct {
	RunID     string    `json:"runId"`
	Type      EventType `json:"type"`
	NodeID    string    `json:"nodeId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
