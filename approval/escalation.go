package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// escID names the timer for one escalation level of a request. Timers are
// owned by the instance id, so cancelling an instance tears them all down in
// one operation.
func escID(approvalID string, level int) string {
	return fmt.Sprintf("esc:%s:%d", approvalID, level)
}

// escalationFromTimeout maps a step timeout (duration + fallback) onto a
// single-level escalation policy. Approval timeouts live here, never inside
// the executor.
func escalationFromTimeout(step *types.WorkflowStep) *types.EscalationPolicy {
	action := types.EscalateNotify
	switch step.Timeout.Fallback {
	case types.TimeoutAutoApprove:
		action = types.EscalateAutoApprove
	case types.TimeoutAutoReject:
		action = types.EscalateAutoReject
	case types.TimeoutEscalate:
		action = types.EscalateAddApprover
	}
	target := ""
	if step.Assignee != nil {
		target = step.Assignee.Value
	}
	return &types.EscalationPolicy{
		Levels: []types.EscalationLevel{{
			AfterMS: step.Timeout.DurationMS,
			Action:  action,
			Target:  target,
		}},
	}
}

// armEscalation arms one cancellable timer per escalation level, each firing
// independently at its offset from request creation. All timers are
// cancelled the moment the request resolves or the instance is cancelled.
func (c *Coordinator) armEscalation(req *types.ApprovalRequest) {
	if req.Escalation == nil {
		return
	}
	for i, level := range req.Escalation.Levels {
		if level.AfterMS <= 0 {
			continue
		}
		lv := level
		c.timers.Schedule(req.InstanceID, escID(req.ID, i), time.Duration(lv.AfterMS)*time.Millisecond, func() {
			c.fireEscalation(context.Background(), req.ID, lv)
		})
	}
}

// cancelEscalation drops every still-armed level timer of the request.
// Called with the approval lock held.
func (c *Coordinator) cancelEscalation(req *types.ApprovalRequest) {
	if req.Escalation == nil {
		return
	}
	for i := range req.Escalation.Levels {
		c.timers.Cancel(req.InstanceID, escID(req.ID, i))
	}
}

// fireEscalation runs one escalation level. An error here is logged and does
// not abort the remaining levels; each level has its own timer.
func (c *Coordinator) fireEscalation(ctx context.Context, approvalID string, level types.EscalationLevel) {
	switch level.Action {
	case types.EscalateNotify:
		c.escalateNotify(ctx, approvalID)
	case types.EscalateAddApprover:
		c.escalateAddApprover(ctx, approvalID, level.Target)
	case types.EscalateAutoApprove:
		c.autoDecide(ctx, approvalID, types.DecisionApproved)
	case types.EscalateAutoReject:
		c.autoDecide(ctx, approvalID, types.DecisionRejected)
	default:
		c.logger.Warn("unknown escalation action",
			zap.String("approval_id", approvalID), zap.String("action", string(level.Action)))
	}
}

// escalateNotify reminds every still-pending approver. No state change.
func (c *Coordinator) escalateNotify(ctx context.Context, approvalID string) {
	unlock := c.locks.Lock(approvalID)
	req, err := c.store.GetApproval(ctx, approvalID)
	unlock()
	if err != nil || req.Status != types.RequestPending {
		return
	}
	c.notifyPending(ctx, &req, "approval_reminder", "your approval is still pending")
	c.publishEscalated(ctx, &req, "notify")
}

// escalateAddApprover adds the named target as an additional approver and
// re-notifies. The target is advisory (non-required): the auto actions are
// the decisive timeout fallbacks.
func (c *Coordinator) escalateAddApprover(ctx context.Context, approvalID, target string) {
	if target == "" {
		c.logger.Warn("escalation level has no target", zap.String("approval_id", approvalID))
		return
	}
	unlock := c.locks.Lock(approvalID)
	req, err := c.store.GetApproval(ctx, approvalID)
	if err != nil || req.Status != types.RequestPending {
		unlock()
		return
	}
	if req.Approver(target) == nil {
		u, uerr := c.directory.User(ctx, target)
		if uerr != nil {
			u = UserInfo{ID: target}
		}
		req.Approvers = append(req.Approvers, types.Approver{
			ID:      u.ID,
			Type:    types.AssigneeUser,
			Name:    u.Name,
			Contact: u.Contact,
			Status:  types.ApproverPending,
		})
		req.UpdatedAt = time.Now().UnixMilli()
		if serr := c.store.SaveApproval(ctx, req); serr != nil {
			c.logger.Warn("failed to save escalated approval",
				zap.String("approval_id", approvalID), zap.Error(serr))
			unlock()
			return
		}
	}
	unlock()

	c.notifyUser(ctx, target, "approval_escalated", req.Title,
		"an approval was escalated to you", req.Priority, req.ID)
	c.record(ctx, req.InstanceID, types.HistoryEntry{
		StepID:    req.StepID,
		Action:    types.HistoryEscalated,
		Actor:     SystemActor,
		Timestamp: time.Now().UnixMilli(),
		Details:   map[string]interface{}{"target": target},
	})
	c.publishEscalated(ctx, &req, "escalate")
}

// autoDecide submits a synthetic decision from the system identity,
// resolving every still-pending slot at once.
func (c *Coordinator) autoDecide(ctx context.Context, approvalID string, action types.DecisionAction) {
	unlock := c.locks.Lock(approvalID)
	req, err := c.store.GetApproval(ctx, approvalID)
	if err != nil || req.Status != types.RequestPending {
		unlock()
		return
	}

	now := time.Now().UnixMilli()
	decision := types.ApprovalDecision{
		ApproverID: SystemActor,
		Action:     action,
		Comment:    "resolved by escalation timeout",
		Timestamp:  now,
	}
	status := types.ApproverApproved
	if action == types.DecisionRejected {
		status = types.ApproverRejected
	}
	for i := range req.Approvers {
		if req.Approvers[i].Status == types.ApproverPending {
			dcopy := decision
			req.Approvers[i].Status = status
			req.Approvers[i].Decision = &dcopy
		}
	}
	outcome, resolved := req.Resolution()
	if !resolved {
		// Every slot is decided, so this only happens with no approvable
		// slot left; force the outcome to match the action.
		outcome = types.RequestApproved
		if action == types.DecisionRejected {
			outcome = types.RequestRejected
		}
	}
	req.Status = outcome
	req.ResolvedAt = now
	req.UpdatedAt = now
	c.cancelEscalation(&req)
	if serr := c.store.SaveApproval(ctx, req); serr != nil {
		c.logger.Warn("failed to save auto-decided approval",
			zap.String("approval_id", approvalID), zap.Error(serr))
		unlock()
		return
	}
	unlock()

	c.publishEscalated(ctx, &req, string(action))
	c.finishResolved(ctx, &req, outcome, decision)
}

func (c *Coordinator) publishEscalated(ctx context.Context, req *types.ApprovalRequest, action string) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Event{
		Type:       events.ApprovalEscalated,
		InstanceID: req.InstanceID,
		Data:       map[string]interface{}{"approval_id": req.ID, "action": action},
	})
}
