package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/timers"
	"github.com/songzhibin97/approval-engine/types"
)

// SystemActor is the identity escalation levels decide as.
const SystemActor = "system"

// ResolutionHandler receives the final outcome of a resolved request so the
// owning executor can resume step transition.
type ResolutionHandler func(ctx context.Context, instanceID, stepID string, outcome types.RequestStatus, decision types.ApprovalDecision)

// Recorder appends audit entries to an instance's history. Implemented by
// the engine, which serializes appends per instance.
type Recorder interface {
	AppendHistory(ctx context.Context, instanceID string, entry types.HistoryEntry) error
}

// Coordinator creates approval requests, resolves approver identities,
// applies approval policies, records decisions, and determines completion.
// Decision submission is a critical section keyed by approval id.
type Coordinator struct {
	store       storage.Storage
	directory   Directory
	notifier    Notifier
	bus         *events.EventBus
	evaluator   rules.Evaluator
	timers      *timers.Scheduler
	delegations *DelegationManager
	logger      *zap.Logger
	locks       *keyedMutex

	policyMu sync.RWMutex
	policies []types.ApprovalPolicy

	handlerMu  sync.RWMutex
	onResolved ResolutionHandler
	recorder   Recorder
}

// NewCoordinator wires a coordinator over the given collaborators. A nil
// notifier logs instead of sending; a nil evaluator disables policy
// conditions with a non-empty expression.
func NewCoordinator(store storage.Storage, directory Directory, notifier Notifier, bus *events.EventBus, evaluator rules.Evaluator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	if directory == nil {
		directory = NewInMemoryDirectory()
	}
	locks := newKeyedMutex()
	c := &Coordinator{
		store:     store,
		directory: directory,
		notifier:  notifier,
		bus:       bus,
		evaluator: evaluator,
		timers:    timers.NewScheduler(),
		logger:    logger,
		locks:     locks,
	}
	c.delegations = NewDelegationManager(store, notifier, bus, locks, logger)
	return c
}

// Delegations exposes the delegation manager.
func (c *Coordinator) Delegations() *DelegationManager { return c.delegations }

// SetResolutionHandler registers the callback invoked when a request
// resolves.
func (c *Coordinator) SetResolutionHandler(h ResolutionHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onResolved = h
}

// SetRecorder registers the instance history sink.
func (c *Coordinator) SetRecorder(r Recorder) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.recorder = r
}

// RegisterPolicy adds an approval policy. Policies are evaluated in
// ascending priority order and are non-exclusive: every matching policy
// contributes approvers; the first matching policy carrying an escalation
// override supplies it.
func (c *Coordinator) RegisterPolicy(p types.ApprovalPolicy) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	c.policies = append(c.policies, p)
	sort.SliceStable(c.policies, func(i, j int) bool {
		return c.policies[i].Priority < c.policies[j].Priority
	})
}

// CreateRequest builds, stores, and announces the approval request for an
// approval step: approver descriptors expand to concrete principals,
// matching policies contribute approvers and escalation, every pending
// approver is notified, and escalation timers are armed.
func (c *Coordinator) CreateRequest(ctx context.Context, inst *types.WorkflowInstance, step *types.WorkflowStep) (*types.ApprovalRequest, error) {
	now := time.Now().UnixMilli()
	req := types.ApprovalRequest{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		StepID:       step.ID,
		Title:        step.Name,
		RequestedBy:  inst.StartedBy,
		Data:         inst.Context.Input,
		Metadata:     step.Metadata,
		Status:       types.RequestPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	approvers, err := c.resolveApprovers(ctx, step.Approvers)
	if err != nil {
		return nil, err
	}

	env := inst.Context.Eval()
	for _, p := range c.matchingPolicies(env) {
		extra, perr := c.resolveApprovers(ctx, p.Approvers)
		if perr != nil {
			return nil, perr
		}
		approvers = mergeApprovers(approvers, extra)
		if req.Escalation == nil && p.Escalation != nil {
			req.Escalation = p.Escalation
		}
	}
	if len(approvers) == 0 {
		return nil, &types.ValidationError{Field: "approvers", Reason: "approval step resolved no approvers"}
	}
	sort.SliceStable(approvers, func(i, j int) bool { return approvers[i].Order < approvers[j].Order })
	req.Approvers = approvers

	if req.Escalation == nil && step.Timeout != nil {
		req.Escalation = escalationFromTimeout(step)
	}

	if err := c.store.SaveApproval(ctx, req); err != nil {
		return nil, err
	}

	c.notifyPending(ctx, &req, "approval_requested", "your approval is requested")
	c.armEscalation(&req)

	if c.bus != nil {
		_ = c.bus.Publish(ctx, events.Event{
			Type:       events.ApprovalCreated,
			InstanceID: inst.ID,
			Data:       map[string]interface{}{"approval_id": req.ID, "step_id": step.ID},
		})
	}
	return &req, nil
}

// matchingPolicies returns the registered policies whose condition holds for
// the given environment, in priority order.
func (c *Coordinator) matchingPolicies(env map[string]interface{}) []types.ApprovalPolicy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	out := make([]types.ApprovalPolicy, 0, len(c.policies))
	for _, p := range c.policies {
		if p.Condition == "" {
			out = append(out, p)
			continue
		}
		if c.evaluator == nil {
			continue
		}
		ok, err := c.evaluator.Evaluate(p.Condition, env)
		if err != nil {
			c.logger.Warn("approval policy condition failed",
				zap.String("policy", p.Name), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out
}

// resolveApprovers expands approver descriptors into concrete slots. Role
// and group descriptors expand to every matching principal, each an
// independent approver carrying the descriptor's required flag.
func (c *Coordinator) resolveApprovers(ctx context.Context, specs []types.ApproverSpec) ([]types.Approver, error) {
	out := make([]types.Approver, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case types.AssigneeUser, "":
			u, err := c.directory.User(ctx, spec.ID)
			if err != nil {
				c.logger.Warn("approver not in directory", zap.String("user_id", spec.ID))
				u = UserInfo{ID: spec.ID}
			}
			out = append(out, newApprover(u, spec))
		case types.AssigneeRole:
			users, err := c.directory.UsersByRole(ctx, spec.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve role %s: %w", spec.ID, err)
			}
			for _, u := range users {
				out = append(out, newApprover(u, spec))
			}
		case types.AssigneeGroup:
			users, err := c.directory.UsersByGroup(ctx, spec.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve group %s: %w", spec.ID, err)
			}
			for _, u := range users {
				out = append(out, newApprover(u, spec))
			}
		default:
			return nil, &types.ValidationError{Field: "approvers", Reason: fmt.Sprintf("unsupported approver type %q", spec.Type)}
		}
	}
	return dedupeApprovers(out), nil
}

func newApprover(u UserInfo, spec types.ApproverSpec) types.Approver {
	return types.Approver{
		ID:       u.ID,
		Type:     types.AssigneeUser,
		Name:     u.Name,
		Contact:  u.Contact,
		Status:   types.ApproverPending,
		Required: spec.Required,
		Order:    spec.Order,
	}
}

// dedupeApprovers keeps the first slot per principal; required wins.
func dedupeApprovers(in []types.Approver) []types.Approver {
	seen := make(map[string]int, len(in))
	out := make([]types.Approver, 0, len(in))
	for _, a := range in {
		if i, ok := seen[a.ID]; ok {
			if a.Required {
				out[i].Required = true
			}
			continue
		}
		seen[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

func mergeApprovers(base, extra []types.Approver) []types.Approver {
	return dedupeApprovers(append(base, extra...))
}

// SubmitDecision verifies the submitting identity is a listed approver or a
// live delegate of one, records the decision on the matching slot, and
// recomputes resolution. Concurrent submissions for the same approval id
// are serialized; the loser of a resolving race gets a validation error.
func (c *Coordinator) SubmitDecision(ctx context.Context, approvalID, actorID string, decision types.ApprovalDecision) (*types.ApprovalRequest, error) {
	unlock := c.locks.Lock(approvalID)

	req, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		unlock()
		return nil, &types.NotFoundError{Kind: "approval", ID: approvalID}
	}
	if req.Status != types.RequestPending {
		unlock()
		return nil, &types.ValidationError{Field: "approval", Reason: "request already resolved"}
	}

	slot := req.Approver(actorID)
	if slot == nil || slot.Status != types.ApproverPending {
		slot = nil
		for i := range req.Approvers {
			a := &req.Approvers[i]
			if a.Status != types.ApproverPending {
				continue
			}
			live, derr := c.delegations.IsLiveDelegate(ctx, a.ID, actorID, time.Now(), &req)
			if derr != nil {
				unlock()
				return nil, derr
			}
			if live {
				slot = a
				break
			}
		}
	}
	if slot == nil {
		unlock()
		return nil, &types.AuthorizationError{UserID: actorID, Reason: "not a listed approver or live delegate"}
	}

	outcome, resolved, err := c.applyDecision(ctx, &req, slot, actorID, decision)
	unlock()
	if err != nil {
		return nil, err
	}
	// Audit records go to the instance history outside the approval lock;
	// the recorder takes the executor lock and lock order must stay
	// executor -> approval.
	if decision.Action == types.DecisionDelegated {
		c.record(ctx, req.InstanceID, types.HistoryEntry{
			StepID:    req.StepID,
			Action:    types.HistoryDelegated,
			Actor:     actorID,
			Timestamp: req.UpdatedAt,
			Details:   map[string]interface{}{"delegate": decision.DelegateTo},
		})
	}
	if resolved {
		c.finishResolved(ctx, &req, outcome, decision)
	}
	return &req, nil
}

// applyDecision mutates the request under the caller-held approval lock and
// persists it. Returns the resolution outcome when the decision completed
// the request.
func (c *Coordinator) applyDecision(ctx context.Context, req *types.ApprovalRequest, slot *types.Approver, actorID string, decision types.ApprovalDecision) (types.RequestStatus, bool, error) {
	now := time.Now().UnixMilli()
	decision.ApproverID = actorID
	if decision.Timestamp == 0 {
		decision.Timestamp = now
	}

	switch decision.Action {
	case types.DecisionApproved:
		slot.Status = types.ApproverApproved
	case types.DecisionRejected:
		slot.Status = types.ApproverRejected
	case types.DecisionDelegated:
		if decision.DelegateTo == "" {
			return "", false, &types.ValidationError{Field: "decision", Reason: "delegated decision needs a delegate target"}
		}
		slot.Status = types.ApproverDelegated
		if req.Approver(decision.DelegateTo) == nil {
			u, err := c.directory.User(ctx, decision.DelegateTo)
			if err != nil {
				u = UserInfo{ID: decision.DelegateTo}
			}
			req.Approvers = append(req.Approvers, types.Approver{
				ID:       u.ID,
				Type:     types.AssigneeUser,
				Name:     u.Name,
				Contact:  u.Contact,
				Status:   types.ApproverPending,
				Required: slot.Required,
			})
		}
	default:
		return "", false, &types.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown action %q", decision.Action)}
	}
	dcopy := decision
	slot.Decision = &dcopy
	req.UpdatedAt = now

	outcome, resolved := req.Resolution()
	if resolved {
		req.Status = outcome
		req.ResolvedAt = now
		c.cancelEscalation(req)
	}
	if err := c.store.SaveApproval(ctx, *req); err != nil {
		return "", false, err
	}

	if decision.Action == types.DecisionDelegated {
		c.notifyUser(ctx, decision.DelegateTo, "approval_delegated", req.Title,
			"an approval was delegated to you by "+actorID, req.Priority, req.ID)
	}
	return outcome, resolved, nil
}

// finishResolved is called outside the approval lock once a request
// resolves: it emits the completion event and hands the outcome back to the
// owning executor.
func (c *Coordinator) finishResolved(ctx context.Context, req *types.ApprovalRequest, outcome types.RequestStatus, decision types.ApprovalDecision) {
	if c.bus != nil {
		_ = c.bus.Publish(ctx, events.Event{
			Type:       events.ApprovalCompleted,
			InstanceID: req.InstanceID,
			Data: map[string]interface{}{
				"approval_id": req.ID,
				"step_id":     req.StepID,
				"outcome":     string(outcome),
			},
		})
	}
	c.handlerMu.RLock()
	handler := c.onResolved
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(ctx, req.InstanceID, req.StepID, outcome, decision)
	}
}

// CancelInstance resolves every open request of the instance as cancelled
// and tears down its escalation timers. Idempotent.
func (c *Coordinator) CancelInstance(ctx context.Context, instanceID, reason string) error {
	c.timers.CancelOwner(instanceID)

	reqs, err := c.store.ListApprovals(ctx, instanceID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, req := range reqs {
		unlock := c.locks.Lock(req.ID)
		current, gerr := c.store.GetApproval(ctx, req.ID)
		if gerr == nil && current.Status == types.RequestPending {
			current.Status = types.RequestCancelled
			current.ResolvedAt = now
			current.UpdatedAt = now
			if current.Metadata == nil {
				current.Metadata = map[string]interface{}{}
			}
			current.Metadata["cancel_reason"] = reason
			if serr := c.store.SaveApproval(ctx, current); serr != nil {
				c.logger.Warn("failed to cancel approval", zap.String("approval_id", req.ID), zap.Error(serr))
			}
		}
		unlock()
	}
	return nil
}

// RequestForStep returns the pending request an instance holds for a step.
func (c *Coordinator) RequestForStep(ctx context.Context, instanceID, stepID string) (*types.ApprovalRequest, error) {
	reqs, err := c.store.ListApprovals(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		if reqs[i].StepID == stepID && reqs[i].Status == types.RequestPending {
			return &reqs[i], nil
		}
	}
	return nil, &types.NotFoundError{Kind: "approval", ID: instanceID + "/" + stepID}
}

// GetRequest returns a request by id.
func (c *Coordinator) GetRequest(ctx context.Context, approvalID string) (*types.ApprovalRequest, error) {
	req, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, &types.NotFoundError{Kind: "approval", ID: approvalID}
	}
	return &req, nil
}

// PendingForUser returns the user's open approval inbox.
func (c *Coordinator) PendingForUser(ctx context.Context, userID string) ([]types.ApprovalRequest, error) {
	return c.store.PendingApprovals(ctx, userID)
}

// Stop cancels every armed escalation timer.
func (c *Coordinator) Stop() {
	c.timers.Stop()
}

func (c *Coordinator) record(ctx context.Context, instanceID string, entry types.HistoryEntry) {
	c.handlerMu.RLock()
	recorder := c.recorder
	c.handlerMu.RUnlock()
	if recorder == nil {
		return
	}
	if err := recorder.AppendHistory(ctx, instanceID, entry); err != nil {
		c.logger.Warn("failed to append history", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// notifyPending sends to every pending approver; failures are logged only.
func (c *Coordinator) notifyPending(ctx context.Context, req *types.ApprovalRequest, kind, message string) {
	for i := range req.Approvers {
		a := &req.Approvers[i]
		if a.Status != types.ApproverPending {
			continue
		}
		c.notifyUser(ctx, a.ID, kind, req.Title, message, req.Priority, req.ID)
	}
}

func (c *Coordinator) notifyUser(ctx context.Context, userID, kind, title, message, priority, approvalID string) {
	if err := c.notifier.Notify(ctx, userID, kind, title, message, priority,
		map[string]interface{}{"approval_id": approvalID}); err != nil {
		c.logger.Warn("notification failed",
			zap.String("user_id", userID), zap.String("kind", kind), zap.Error(err))
	}
}
