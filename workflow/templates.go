package workflow

import "github.com/songzhibin97/approval-engine/types"

// builtinTemplates is the starter catalog exposed by GetWorkflowTemplates.
// Templates are inactive definition skeletons; CloneFromTemplate copies one
// under a fresh id and registers the copy as active.
func builtinTemplates() map[string]types.WorkflowDefinition {
	return map[string]types.WorkflowDefinition{
		"tmpl-purchase-approval": purchaseApprovalTemplate(),
		"tmpl-leave-request":     leaveRequestTemplate(),
		"tmpl-document-review":   documentReviewTemplate(),
	}
}

// purchaseApprovalTemplate routes purchases through a manager sign-off,
// with a finance second level for large amounts and a day-long escalation
// window on each approval.
func purchaseApprovalTemplate() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       "tmpl-purchase-approval",
		Name:     "Purchase Approval",
		Version:  "1",
		Category: "procurement",
		Steps: []types.WorkflowStep{
			{
				ID:   "manager-approval",
				Name: "Manager Approval",
				Type: types.StepApproval,
				Approvers: []types.ApproverSpec{
					{Type: types.AssigneeRole, ID: "manager", Required: true, Order: 1},
				},
				Assignee: &types.AssigneeSpec{Type: types.AssigneeRole, Value: "director"},
				Timeout: &types.TimeoutSpec{
					DurationMS: 24 * 60 * 60 * 1000,
					Fallback:   types.TimeoutEscalate,
				},
				Next: types.NextSteps{Approved: "amount-check", Rejected: ""},
			},
			{
				ID:   "amount-check",
				Name: "Amount Check",
				Type: types.StepCondition,
				Condition: &types.ConditionSet{
					Mode:  types.ConditionAll,
					Rules: []string{`input.amount > 10000`},
				},
				Next: types.NextSteps{Approved: "finance-approval", Rejected: "record-purchase"},
			},
			{
				ID:   "finance-approval",
				Name: "Finance Approval",
				Type: types.StepApproval,
				Approvers: []types.ApproverSpec{
					{Type: types.AssigneeGroup, ID: "finance", Required: true, Order: 1},
				},
				Timeout: &types.TimeoutSpec{
					DurationMS: 48 * 60 * 60 * 1000,
					Fallback:   types.TimeoutAutoReject,
				},
				Next: types.NextSteps{Approved: "record-purchase", Rejected: ""},
			},
			{
				ID:   "record-purchase",
				Name: "Record Purchase",
				Type: types.StepAction,
				Actions: []types.ActionSpec{
					{Type: "record", Config: map[string]interface{}{"ledger": "purchases"}},
				},
			},
		},
		Settings: types.ExecutionSettings{NotifyOnComplete: true},
	}
}

// leaveRequestTemplate auto-approves short leave and routes longer leave
// to the requester's manager.
func leaveRequestTemplate() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       "tmpl-leave-request",
		Name:     "Leave Request",
		Version:  "1",
		Category: "hr",
		Steps: []types.WorkflowStep{
			{
				ID:   "duration-check",
				Name: "Duration Check",
				Type: types.StepCondition,
				Condition: &types.ConditionSet{
					Mode:  types.ConditionAll,
					Rules: []string{`input.days <= 2`},
				},
				Next: types.NextSteps{Approved: "record-leave", Rejected: "manager-approval"},
			},
			{
				ID:   "manager-approval",
				Name: "Manager Approval",
				Type: types.StepApproval,
				Approvers: []types.ApproverSpec{
					{Type: types.AssigneeRole, ID: "manager", Required: true, Order: 1},
				},
				Next: types.NextSteps{Approved: "record-leave", Rejected: ""},
			},
			{
				ID:   "record-leave",
				Name: "Record Leave",
				Type: types.StepAction,
				Actions: []types.ActionSpec{
					{Type: "record", Config: map[string]interface{}{"ledger": "leave"}},
				},
				Next: types.NextSteps{Default: "notify-requester"},
			},
			{
				ID:       "notify-requester",
				Name:     "Notify Requester",
				Type:     types.StepNotification,
				Assignee: &types.AssigneeSpec{Type: types.AssigneeDynamic, Value: "requester"},
				Metadata: map[string]interface{}{"title": "Leave request processed"},
			},
		},
	}
}

// documentReviewTemplate fans a document out to two reviewer tracks in
// parallel and publishes once both complete.
func documentReviewTemplate() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       "tmpl-document-review",
		Name:     "Document Review",
		Version:  "1",
		Category: "documents",
		Steps: []types.WorkflowStep{
			{
				ID:       "parallel-review",
				Name:     "Parallel Review",
				Type:     types.StepParallel,
				Branches: []string{"content-review", "compliance-review"},
				Next:     types.NextSteps{Default: "publish"},
			},
			{
				ID:   "content-review",
				Name: "Content Review",
				Type: types.StepAction,
				Actions: []types.ActionSpec{
					{Type: "review", Config: map[string]interface{}{"track": "content"}},
				},
			},
			{
				ID:   "compliance-review",
				Name: "Compliance Review",
				Type: types.StepAction,
				Actions: []types.ActionSpec{
					{Type: "review", Config: map[string]interface{}{"track": "compliance"}},
				},
			},
			{
				ID:   "publish",
				Name: "Publish",
				Type: types.StepAction,
				Actions: []types.ActionSpec{
					{Type: "publish", Config: map[string]interface{}{"channel": "library"}},
				},
			},
		},
		Settings: types.ExecutionSettings{NotifyOnComplete: true},
	}
}
