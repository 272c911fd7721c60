package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrApprovalNotFound   = errors.New("approval request not found")
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[string]types.WorkflowDefinition
	instances   map[string]types.WorkflowInstance
	approvals   map[string]types.ApprovalRequest
	delegations map[string][]types.Delegation
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.WorkflowDefinition),
		instances:   make(map[string]types.WorkflowInstance),
		approvals:   make(map[string]types.ApprovalRequest),
		delegations: make(map[string][]types.Delegation),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a workflow definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return struct{}{}, nil
	})
	return err
}

// GetDefinition retrieves a workflow definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// SaveDefinitions saves multiple definitions in a single lock.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, def := range defs {
			s.definitions[def.ID] = def
		}
		return struct{}{}, nil
	})
	return err
}

// SaveInstance saves a workflow instance to memory. The stored copy shares
// no mutable state with the caller's value, so the owning executor can keep
// mutating its instance while readers hold earlier snapshots.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		clone := inst.Clone()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = clone
		return struct{}{}, nil
	})
	return err
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return inst, err
	}
	return inst.Clone(), nil
}

// ListInstances returns every instance matching the filter.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowInstance, 0)
		for _, inst := range s.instances {
			if filter.Match(inst) {
				out = append(out, inst.Clone())
			}
		}
		return out, nil
	})
}

// SaveApproval saves an approval request to memory. The stored copy's
// approver slots share no memory with the caller's value: the coordinator
// mutates slots under its approval lock while inbox queries read here under
// the storage lock only.
func (s *MemoryStorage) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		clone := req.Clone()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.approvals[req.ID] = clone
		return struct{}{}, nil
	})
	return err
}

// GetApproval retrieves an approval request from memory.
func (s *MemoryStorage) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	req, err := getItem(ctx, &s.mu, s.approvals, id, ErrApprovalNotFound)
	if err != nil {
		return req, err
	}
	return req.Clone(), nil
}

// ListApprovals returns every approval request owned by an instance.
func (s *MemoryStorage) ListApprovals(ctx context.Context, instanceID string) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalRequest, 0)
		for _, req := range s.approvals {
			if req.InstanceID == instanceID {
				out = append(out, req.Clone())
			}
		}
		return out, nil
	})
}

// PendingApprovals returns open requests with a pending slot for the user.
func (s *MemoryStorage) PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalRequest, 0)
		for _, req := range s.approvals {
			if pendingFor(req, approverID) {
				out = append(out, req.Clone())
			}
		}
		return out, nil
	})
}

// SaveDelegation saves a delegation grant, keyed by the source user.
func (s *MemoryStorage) SaveDelegation(ctx context.Context, d types.Delegation) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		existing := s.delegations[d.FromUserID]
		for i := range existing {
			if existing[i].ID == d.ID {
				existing[i] = d
				return struct{}{}, nil
			}
		}
		s.delegations[d.FromUserID] = append(existing, d)
		return struct{}{}, nil
	})
	return err
}

// DelegationsFrom returns every delegation granted by the user.
func (s *MemoryStorage) DelegationsFrom(ctx context.Context, userID string) ([]types.Delegation, error) {
	return withContext(ctx, func() ([]types.Delegation, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Delegation, len(s.delegations[userID]))
		copy(out, s.delegations[userID])
		return out, nil
	})
}

// ClearCompleted removes instances in a terminal state.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, inst := range s.instances {
			if inst.Status.Terminal() {
				delete(s.instances, id)
			}
		}
		return struct{}{}, nil
	})
	return err
}
