package executor

import (
	"context"
	"errors"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/common/pending"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
)

// DefaultApprovalTimeout applies to human nodes that configure none.
const DefaultApprovalTimeout = 24 * time.Hour

// Decision is the value an external caller resolves an approval with.
type Decision struct {
	Approved   bool
	Approver   string
	Comment    string
	ApprovedAt time.Time
}

// HumanExecutor suspends a run until an external caller approves or
// rejects, keyed by (runId, nodeId). It never retries: a rejection,
// timeout, or cancellation is final.
type HumanExecutor struct {
	approvals *pending.Table[Decision]
}

var _ NodeExecutor = (*HumanExecutor)(nil)

func NewHumanExecutor() *HumanExecutor {
	return &HumanExecutor{approvals: pending.NewTable[Decision]()}
}

// RetryPolicy: a single attempt.
func (e *HumanExecutor) RetryPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 1, BaseInterval: backoff.DefaultPolicy.BaseInterval}
}

// AttemptTimeout exempts approvals from the per-attempt node timeout;
// the configured approval timeout governs instead.
func (e *HumanExecutor) AttemptTimeout() time.Duration { return 0 }

func approvalKey(runID, nodeID string) string { return runID + ":" + nodeID }

func (e *HumanExecutor) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error) {
	var cfg HumanConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	timeout := DefaultApprovalTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	key := approvalKey(runCtx.RunID, node.ID)
	waiter, err := e.approvals.Register(key, timeout)
	if err != nil {
		return nil, &core.ExecutionError{NodeID: node.ID, Err: err}
	}

	logger.Info(ctx, "Waiting for approval",
		tag.RunID, runCtx.RunID,
		tag.Node, node.ID,
		tag.Timeout, timeout,
	)
	if msg := resolver.ResolveString(cfg.Message, runCtx); msg != "" {
		logger.Info(ctx, "Approval request", tag.Node, node.ID, tag.Reason, msg)
	}

	decision, err := waiter.Wait(ctx)
	if err != nil {
		e.approvals.Reject(key, err)
		switch {
		case errors.Is(err, pending.ErrTimeout):
			return nil, &core.ExecutionError{
				NodeID: node.ID,
				Reason: core.ApprovalTimedOut,
				Err:    errors.New("Approval timeout"),
			}
		case errors.Is(err, context.Canceled):
			return nil, &core.ExecutionError{
				NodeID: node.ID,
				Reason: core.ApprovalCancelled,
				Err:    errors.New("Approval cancelled"),
			}
		default:
			var execErr *core.ExecutionError
			if errors.As(err, &execErr) {
				return nil, err
			}
			return nil, &core.ExecutionError{NodeID: node.ID, Err: err}
		}
	}

	return &Result{
		Output: map[string]any{
			"approved":   decision.Approved,
			"approver":   decision.Approver,
			"comment":    decision.Comment,
			"approvedAt": decision.ApprovedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Approve resolves a pending approval. Returns ErrApprovalNotPending when
// no wait is registered under (runId, nodeId).
func (e *HumanExecutor) Approve(runID, nodeID, approver, comment string) error {
	decision := Decision{
		Approved:   true,
		Approver:   approver,
		Comment:    comment,
		ApprovedAt: time.Now(),
	}
	if !e.approvals.Resolve(approvalKey(runID, nodeID), decision) {
		return core.ErrApprovalNotPending
	}
	return nil
}

// Reject rejects a pending approval; the run's node fails with an error
// carrying the approver and comment.
func (e *HumanExecutor) Reject(runID, nodeID, approver, comment string) error {
	err := &core.ExecutionError{
		NodeID:   nodeID,
		Reason:   core.ApprovalRejected,
		Approver: approver,
		Comment:  comment,
		Err:      errors.New("Approval rejected"),
	}
	if !e.approvals.Reject(approvalKey(runID, nodeID), err) {
		return core.ErrApprovalNotPending
	}
	return nil
}

// CancelRun cancels every pending approval belonging to a run.
func (e *HumanExecutor) CancelRun(runID string) {
	e.approvals.RejectPrefix(runID+":", &core.ExecutionError{
		Reason: core.ApprovalCancelled,
		Err:    errors.New("Approval cancelled"),
	})
}

// Pending reports whether an approval wait is registered for the node.
func (e *HumanExecutor) Pending(runID, nodeID string) bool {
	key := approvalKey(runID, nodeID)
	for _, k := range e.approvals.Keys() {
		if k == key {
			return true
		}
	}
	return false
}
