package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// keyedMutex serializes work per string key. Entries are kept for the life
// of the process; the key space is bounded by the approval-request table.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// DelegationManager tracks active delegations and reassigns pending
// approvals when a delegation comes live.
type DelegationManager struct {
	store    storage.Storage
	notifier Notifier
	bus      *events.EventBus
	locks    *keyedMutex
	logger   *zap.Logger
}

// NewDelegationManager creates a manager over the given store. The keyed
// mutex must be the same one the coordinator uses, so approval mutation
// stays serialized per request id.
func NewDelegationManager(store storage.Storage, notifier Notifier, bus *events.EventBus, locks *keyedMutex, logger *zap.Logger) *DelegationManager {
	return &DelegationManager{store: store, notifier: notifier, bus: bus, locks: locks, logger: logger}
}

// Create validates and stores a delegation. If the delegation is already
// live, every pending approval owned by the source user gains the target as
// an additional (non-blocking) approver; the source slot stays in place, so
// both may act and the first decision per slot wins.
func (m *DelegationManager) Create(ctx context.Context, d types.Delegation) (types.Delegation, error) {
	if d.FromUserID == "" || d.ToUserID == "" {
		return types.Delegation{}, &types.ValidationError{Field: "delegation", Reason: "source and target user are required"}
	}
	if d.FromUserID == d.ToUserID {
		return types.Delegation{}, &types.ValidationError{Field: "delegation", Reason: "cannot delegate to self"}
	}
	if d.EndAt != 0 && d.StartAt > d.EndAt {
		return types.Delegation{}, &types.ValidationError{Field: "delegation", Reason: "start date after end date"}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	d.CreatedAt = now
	if d.StartAt == 0 {
		d.StartAt = now
	}

	if err := m.store.SaveDelegation(ctx, d); err != nil {
		return types.Delegation{}, err
	}

	if d.LiveAt(now) {
		if err := m.reassignPending(ctx, d); err != nil {
			m.logger.Warn("delegation reassignment incomplete",
				zap.String("delegation_id", d.ID), zap.Error(err))
		}
	}

	if m.bus != nil {
		_ = m.bus.Publish(ctx, events.Event{
			Type: events.DelegationCreated,
			Data: map[string]interface{}{
				"delegation_id": d.ID,
				"from":          d.FromUserID,
				"to":            d.ToUserID,
			},
		})
	}
	return d, nil
}

// reassignPending adds the delegation target to every pending approval the
// source user holds a slot on.
func (m *DelegationManager) reassignPending(ctx context.Context, d types.Delegation) error {
	pending, err := m.store.PendingApprovals(ctx, d.FromUserID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if !d.Scope.Matches(&req) {
			continue
		}
		if err := m.addDelegateSlot(ctx, req.ID, d); err != nil {
			m.logger.Warn("failed to add delegate to approval",
				zap.String("approval_id", req.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *DelegationManager) addDelegateSlot(ctx context.Context, approvalID string, d types.Delegation) error {
	unlock := m.locks.Lock(approvalID)
	defer unlock()

	req, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if req.Status != types.RequestPending || req.Approver(d.ToUserID) != nil {
		return nil
	}
	req.Approvers = append(req.Approvers, types.Approver{
		ID:       d.ToUserID,
		Type:     types.AssigneeUser,
		Status:   types.ApproverPending,
		Required: false,
	})
	req.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.SaveApproval(ctx, req); err != nil {
		return err
	}
	if m.notifier != nil {
		if nerr := m.notifier.Notify(ctx, d.ToUserID, "approval_delegated", req.Title,
			"an approval was delegated to you by "+d.FromUserID, req.Priority,
			map[string]interface{}{"approval_id": req.ID}); nerr != nil {
			m.logger.Warn("delegate notification failed", zap.Error(nerr))
		}
	}
	return nil
}

// IsLiveDelegate reports whether candidate may act on behalf of source for
// the given request at the given time: a stored, active delegation from
// source to candidate whose validity window covers now and whose scope
// filter, if present, matches the request.
func (m *DelegationManager) IsLiveDelegate(ctx context.Context, sourceUserID, candidateUserID string, now time.Time, req *types.ApprovalRequest) (bool, error) {
	delegations, err := m.store.DelegationsFrom(ctx, sourceUserID)
	if err != nil {
		return false, err
	}
	ts := now.UnixMilli()
	for i := range delegations {
		d := &delegations[i]
		if d.ToUserID == candidateUserID && d.LiveAt(ts) && d.Scope.Matches(req) {
			return true, nil
		}
	}
	return false, nil
}
