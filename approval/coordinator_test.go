package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// resolutionRecorder captures resolution callbacks for assertions.
type resolutionRecorder struct {
	mu       sync.Mutex
	outcomes []types.RequestStatus
	done     chan struct{}
}

func newResolutionRecorder() *resolutionRecorder {
	return &resolutionRecorder{done: make(chan struct{}, 10)}
}

func (r *resolutionRecorder) handle(ctx context.Context, instanceID, stepID string, outcome types.RequestStatus, decision types.ApprovalDecision) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *resolutionRecorder) wait(t *testing.T) types.RequestStatus {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[len(r.outcomes)-1]
}

func (r *resolutionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func testDirectory() *InMemoryDirectory {
	d := NewInMemoryDirectory()
	d.AddUser(UserInfo{ID: "alice", Name: "Alice"})
	d.AddUser(UserInfo{ID: "bob", Name: "Bob"})
	d.AddUser(UserInfo{ID: "carol", Name: "Carol"})
	d.AddUser(UserInfo{ID: "dave", Name: "Dave"})
	d.AssignRole("bob", "manager")
	d.AssignRole("carol", "manager")
	d.AssignGroup("dave", "finance")
	return d
}

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Storage, *resolutionRecorder) {
	t.Helper()
	store := storage.NewMemoryStorage()
	c := NewCoordinator(store, testDirectory(), nil, nil, rules.NewExprEvaluator(), zap.NewNop())
	t.Cleanup(c.Stop)
	rec := newResolutionRecorder()
	c.SetResolutionHandler(rec.handle)
	return c, store, rec
}

func testInstance(id string) *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:           id,
		DefinitionID: "wf-def",
		Status:       types.StatusRunning,
		StartedBy:    "alice",
		Context: &types.WorkflowContext{
			InstanceID:   id,
			DefinitionID: "wf-def",
			Variables:    map[string]interface{}{},
			Input:        map[string]interface{}{"amount": 5000.0},
		},
	}
}

func approvalStep(specs ...types.ApproverSpec) *types.WorkflowStep {
	return &types.WorkflowStep{
		ID:        "approve",
		Name:      "Approval",
		Type:      types.StepApproval,
		Approvers: specs,
	}
}

func TestCoordinator_CreateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("Role expands to members", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		req, err := c.CreateRequest(ctx, testInstance("inst-1"),
			approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true}))
		assert.NoError(t, err)
		assert.Len(t, req.Approvers, 2)
		for _, a := range req.Approvers {
			assert.True(t, a.Required)
			assert.Equal(t, types.ApproverPending, a.Status)
		}
	})

	t.Run("Duplicate principal kept once required wins", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		req, err := c.CreateRequest(ctx, testInstance("inst-2"), approvalStep(
			types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: false},
			types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true},
		))
		assert.NoError(t, err)
		assert.Len(t, req.Approvers, 2)
		bob := req.Approver("bob")
		assert.NotNil(t, bob)
		assert.True(t, bob.Required)
	})

	t.Run("Unknown user still gets a slot", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		req, err := c.CreateRequest(ctx, testInstance("inst-3"),
			approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "ghost", Required: true}))
		assert.NoError(t, err)
		assert.NotNil(t, req.Approver("ghost"))
	})

	t.Run("No approvers is a validation error", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		_, err := c.CreateRequest(ctx, testInstance("inst-4"),
			approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "nonexistent-role", Required: true}))
		assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
	})

	t.Run("Unsupported approver type", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		_, err := c.CreateRequest(ctx, testInstance("inst-5"),
			approvalStep(types.ApproverSpec{Type: types.AssigneeDynamic, ID: "requester", Required: true}))
		assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
	})
}

func TestCoordinator_SubmitDecision_AllRequiredApprove(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true}))
	assert.NoError(t, err)

	got, err := c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestPending, got.Status, "one of two required approvals must not resolve")
	assert.Equal(t, 0, rec.count())

	got, err = c.SubmitDecision(ctx, req.ID, "carol", types.ApprovalDecision{Action: types.DecisionApproved, Comment: "ok"})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, got.Status)
	assert.Equal(t, types.RequestApproved, rec.wait(t))
	assert.Equal(t, 1, rec.count())
}

func TestCoordinator_SubmitDecision_RejectShortCircuits(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true}))
	assert.NoError(t, err)

	got, err := c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionRejected, Comment: "over budget"})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestRejected, got.Status, "a required rejection resolves immediately")
	assert.Equal(t, types.RequestRejected, rec.wait(t))

	// Late decisions against the resolved request are refused.
	_, err = c.SubmitDecision(ctx, req.ID, "carol", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
	assert.Equal(t, 1, rec.count())
}

func TestCoordinator_SubmitDecision_RejectAfterApprovalWins(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true}))
	assert.NoError(t, err)

	got, err := c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestPending, got.Status)

	got, err = c.SubmitDecision(ctx, req.ID, "carol", types.ApprovalDecision{Action: types.DecisionRejected, Comment: "no"})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestRejected, got.Status, "a required rejection wins regardless of submission order")
	assert.Equal(t, types.RequestRejected, rec.wait(t))
	assert.Equal(t, 1, rec.count())

	bob := got.Approver("bob")
	assert.NotNil(t, bob)
	assert.Equal(t, types.ApproverApproved, bob.Status, "the earlier approval stays on its slot")
}

func TestCoordinator_ConcurrentInboxReads(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true}))
	assert.NoError(t, err)

	// Inbox queries must see consistent slot state while decisions land.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			reqs, lerr := c.PendingForUser(ctx, "carol")
			if lerr != nil {
				continue
			}
			for i := range reqs {
				for j := range reqs[i].Approvers {
					_ = reqs[i].Approvers[j].Status
					_ = reqs[i].Approvers[j].Decision
				}
			}
		}
	}()

	_, err = c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	_, err = c.SubmitDecision(ctx, req.ID, "carol", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, rec.wait(t))

	close(stop)
	wg.Wait()
}

func TestCoordinator_SubmitDecision_OptionalApprovers(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), approvalStep(
		types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: false},
		types.ApproverSpec{Type: types.AssigneeUser, ID: "carol", Required: false},
	))
	assert.NoError(t, err)

	got, err := c.SubmitDecision(ctx, req.ID, "carol", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, got.Status, "with no required slots one approval suffices")
	assert.Equal(t, types.RequestApproved, rec.wait(t))
}

func TestCoordinator_SubmitDecision_Unauthorized(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true}))
	assert.NoError(t, err)

	_, err = c.SubmitDecision(ctx, req.ID, "dave", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.True(t, types.IsAuthorization(err), "expected authorization error, got %v", err)

	_, err = c.SubmitDecision(ctx, "no-such-request", "bob", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.True(t, types.IsNotFound(err), "expected not-found error, got %v", err)
}

func TestCoordinator_SubmitDecision_Delegated(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true}))
	assert.NoError(t, err)

	_, err = c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionDelegated})
	assert.True(t, types.IsValidation(err), "delegation without a target must fail")

	got, err := c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{
		Action:     types.DecisionDelegated,
		DelegateTo: "dave",
	})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestPending, got.Status, "delegation hands the slot over, it does not resolve")
	assert.Equal(t, types.ApproverDelegated, got.Approver("bob").Status)

	dave := got.Approver("dave")
	assert.NotNil(t, dave)
	assert.True(t, dave.Required, "delegate inherits the required flag")

	got, err = c.SubmitDecision(ctx, req.ID, "dave", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, got.Status)
	assert.Equal(t, types.RequestApproved, rec.wait(t))
}

func TestCoordinator_Policies(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	c.RegisterPolicy(types.ApprovalPolicy{
		Name:      "large-amount",
		Condition: "amount > 1000",
		Approvers: []types.ApproverSpec{{Type: types.AssigneeGroup, ID: "finance", Required: true}},
		Escalation: &types.EscalationPolicy{
			Levels: []types.EscalationLevel{{AfterMS: 60_000, Action: types.EscalateNotify}},
		},
	})
	c.RegisterPolicy(types.ApprovalPolicy{
		Name:      "never",
		Condition: "amount > 1000000",
		Approvers: []types.ApproverSpec{{Type: types.AssigneeUser, ID: "alice", Required: true}},
	})

	req, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true}))
	assert.NoError(t, err)

	assert.NotNil(t, req.Approver("dave"), "matching policy contributes the finance group")
	assert.Nil(t, req.Approver("alice"), "non-matching policy contributes nothing")
	assert.NotNil(t, req.Escalation, "matching policy supplies escalation")
	assert.Equal(t, 1, c.timers.Pending("inst-1"))
}

func TestCoordinator_Escalation_AutoRejectFiresOnce(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestCoordinator(t)

	step := approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true})
	step.Timeout = &types.TimeoutSpec{DurationMS: 100, Fallback: types.TimeoutAutoReject}

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), step)
	assert.NoError(t, err)

	outcome := rec.wait(t)
	assert.Equal(t, types.RequestRejected, outcome)

	got, err := store.GetApproval(ctx, req.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.RequestRejected, got.Status)
	bob := got.Approver("bob")
	assert.Equal(t, types.ApproverRejected, bob.Status)
	assert.Equal(t, SystemActor, bob.Decision.ApproverID)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "escalation must resolve exactly once")
}

func TestCoordinator_Escalation_AutoApprove(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	step := approvalStep(types.ApproverSpec{Type: types.AssigneeRole, ID: "manager", Required: true})
	step.Timeout = &types.TimeoutSpec{DurationMS: 100, Fallback: types.TimeoutAutoApprove}

	_, err := c.CreateRequest(ctx, testInstance("inst-1"), step)
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, rec.wait(t))
}

func TestCoordinator_Escalation_DecisionCancelsTimer(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestCoordinator(t)

	step := approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true})
	step.Timeout = &types.TimeoutSpec{DurationMS: 150, Fallback: types.TimeoutAutoReject}

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), step)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.timers.Pending("inst-1"))

	got, err := c.SubmitDecision(ctx, req.ID, "bob", types.ApprovalDecision{Action: types.DecisionApproved})
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, got.Status)
	assert.Equal(t, types.RequestApproved, rec.wait(t))
	assert.Equal(t, 0, c.timers.Pending("inst-1"))

	// An approved request must stay approved after the timeout window.
	time.Sleep(300 * time.Millisecond)
	final, err := store.GetApproval(ctx, req.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.RequestApproved, final.Status)
	assert.Equal(t, 1, rec.count())
}

func TestCoordinator_Escalation_AddApprover(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestCoordinator(t)

	step := approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true})
	step.Assignee = &types.AssigneeSpec{Type: types.AssigneeUser, Value: "carol"}
	step.Timeout = &types.TimeoutSpec{DurationMS: 80, Fallback: types.TimeoutEscalate}

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), step)
	assert.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, gerr := store.GetApproval(ctx, req.ID)
		assert.NoError(t, gerr)
		if got.Approver("carol") != nil {
			assert.False(t, got.Approver("carol").Required, "escalated approver is advisory")
			assert.Equal(t, types.RequestPending, got.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("escalation never added the target approver")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.count(), "adding an approver must not resolve the request")
}

func TestCoordinator_CancelInstance(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestCoordinator(t)

	step := approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true})
	step.Timeout = &types.TimeoutSpec{DurationMS: 100, Fallback: types.TimeoutAutoApprove}

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), step)
	assert.NoError(t, err)

	assert.NoError(t, c.CancelInstance(ctx, "inst-1", "obsolete"))

	got, err := store.GetApproval(ctx, req.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.RequestCancelled, got.Status)
	assert.Equal(t, "obsolete", got.Metadata["cancel_reason"])

	// The armed auto-approve must not fire after cancellation.
	time.Sleep(250 * time.Millisecond)
	got, err = store.GetApproval(ctx, req.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.RequestCancelled, got.Status)
	assert.Equal(t, 0, rec.count())

	// Cancelling again is a no-op.
	assert.NoError(t, c.CancelInstance(ctx, "inst-1", "again"))
	got, _ = c.store.GetApproval(ctx, req.ID)
	assert.Equal(t, "obsolete", got.Metadata["cancel_reason"])
}

func TestCoordinator_RequestForStep(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	created, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true}))
	assert.NoError(t, err)

	got, err := c.RequestForStep(ctx, "inst-1", "approve")
	assert.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = c.RequestForStep(ctx, "inst-1", "other-step")
	assert.True(t, types.IsNotFound(err))
}

func TestCoordinator_PendingForUser(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	_, err := c.CreateRequest(ctx, testInstance("inst-1"),
		approvalStep(types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: true}))
	assert.NoError(t, err)

	inbox, err := c.PendingForUser(ctx, "bob")
	assert.NoError(t, err)
	assert.Len(t, inbox, 1)

	inbox, err = c.PendingForUser(ctx, "carol")
	assert.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestCoordinator_ConcurrentDecisions(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCoordinator(t)

	req, err := c.CreateRequest(ctx, testInstance("inst-1"), approvalStep(
		types.ApproverSpec{Type: types.AssigneeUser, ID: "bob", Required: false},
		types.ApproverSpec{Type: types.AssigneeUser, ID: "carol", Required: false},
	))
	assert.NoError(t, err)

	// Both optional approvers race to resolve; exactly one submission wins
	// and the loser gets an already-resolved error.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = c.SubmitDecision(ctx, req.ID, actor, types.ApprovalDecision{Action: types.DecisionApproved})
		}(i, actor)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, types.IsValidation(err), "loser should get already-resolved, got %v", err)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, types.RequestApproved, rec.wait(t))
	assert.Equal(t, 1, rec.count(), "resolution handler runs exactly once")
}
