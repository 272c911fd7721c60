package storage

import (
	"context"

	"github.com/songzhibin97/approval-engine/types"
)

// Storage defines the interface for persisting and retrieving workflow
// definitions, instances, approval requests, and delegations. The in-memory
// implementation is the minimum contract; hosts needing durability across
// restarts wire in RedisStorage or their own implementation.
type Storage interface {
	// SaveDefinition saves a workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a workflow definition by ID.
	GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error)

	// SaveDefinitions saves multiple definitions in one operation.
	SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error

	// SaveInstance saves a workflow instance.
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error)

	// ListInstances returns every instance matching the filter.
	ListInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error)

	// SaveApproval saves an approval request.
	SaveApproval(ctx context.Context, req types.ApprovalRequest) error

	// GetApproval retrieves an approval request by ID.
	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)

	// ListApprovals returns every approval request owned by an instance.
	ListApprovals(ctx context.Context, instanceID string) ([]types.ApprovalRequest, error)

	// PendingApprovals returns open requests with a pending slot for the user.
	PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error)

	// SaveDelegation saves a delegation grant.
	SaveDelegation(ctx context.Context, d types.Delegation) error

	// DelegationsFrom returns every delegation granted by the user.
	DelegationsFrom(ctx context.Context, userID string) ([]types.Delegation, error)

	// ClearCompleted removes instances in a terminal state.
	ClearCompleted(ctx context.Context) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// pendingFor reports whether the request has an open slot for the approver.
func pendingFor(req types.ApprovalRequest, approverID string) bool {
	if req.Status != types.RequestPending {
		return false
	}
	for i := range req.Approvers {
		if req.Approvers[i].ID == approverID && req.Approvers[i].Status == types.ApproverPending {
			return true
		}
	}
	return false
}
