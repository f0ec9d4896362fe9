package core

import (
	"errors"
	"fmt"
)

// Validation errors. These surface to callers of execute/resume and are
// never retried.
var (
	ErrCycleDetected        = errors.New("cycle detected")
	ErrDanglingDependency   = errors.New("dependency references unknown node")
	ErrDuplicateNodeID      = errors.New("duplicate node id")
	ErrRunStuck             = errors.New("no runnable nodes remain")
	ErrRunAlreadyTerminal   = errors.New("run already reached a terminal status")
	ErrApprovalNotPending   = errors.New("no pending approval")
	ErrWorkflowHasNoNodes   = errors.New("workflow has no nodes")
	ErrMissingRequiredInput = errors.New("missing required input")
)

// ValidationError reports a malformed workflow.
type ValidationError struct {
	NodeID string
	DepID  string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.DepID != "" {
		return fmt.Sprintf("node %q: %s %q", e.NodeID, e.Err, e.DepID)
	}
	return fmt.Sprintf("node %q: %s", e.NodeID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewCycleError reports the first node observed on a back-edge.
func NewCycleError(nodeID string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Err: ErrCycleDetected}
}

// NewDanglingDependencyError reports a dependency id with no matching node.
func NewDanglingDependencyError(nodeID, depID string) *ValidationError {
	return &ValidationError{NodeID: nodeID, DepID: depID, Err: ErrDanglingDependency}
}

// ApprovalReason distinguishes why a human node terminated non-successfully.
type ApprovalReason string

const (
	ApprovalRejected  ApprovalReason = "rejected"
	ApprovalTimedOut  ApprovalReason = "timeout"
	ApprovalCancelled ApprovalReason = "cancelled"
)

// ExecutionError is the error kind executors surface to the scheduler:
// an external call failed after retries, or the node itself reported an
// error.
type ExecutionError struct {
	NodeID   string
	Reason   ApprovalReason // set for human nodes only
	Approver string
	Comment  string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
	}
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ProtocolError is a JSON-RPC error response from a tool server.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// TransportError reports a dropped, timed out, or refused connection.
// In the connection manager it drives the server state machine to error;
// in-flight requests reject with this kind.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
