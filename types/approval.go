package types

// ApproverStatus is the state of one approver slot on a request.
type ApproverStatus string

const (
	ApproverPending   ApproverStatus = "pending"
	ApproverApproved  ApproverStatus = "approved"
	ApproverRejected  ApproverStatus = "rejected"
	ApproverDelegated ApproverStatus = "delegated"
)

// DecisionAction is what an approver did.
type DecisionAction string

const (
	DecisionApproved  DecisionAction = "approved"
	DecisionRejected  DecisionAction = "rejected"
	DecisionDelegated DecisionAction = "delegated"
)

// RequestStatus is the overall state of an approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// ApprovalDecision records a single approver action.
type ApprovalDecision struct {
	ApproverID  string         `json:"approver_id"`
	Action      DecisionAction `json:"action"`
	Comment     string         `json:"comment,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	DelegateTo  string         `json:"delegate_to,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// Approver is one concrete principal expected to act on a request.
type Approver struct {
	ID       string            `json:"id"`
	Type     AssigneeType      `json:"type"`
	Name     string            `json:"name,omitempty"`
	Contact  string            `json:"contact,omitempty"`
	Status   ApproverStatus    `json:"status"`
	Decision *ApprovalDecision `json:"decision,omitempty"`
	Required bool              `json:"required"`
	Order    int               `json:"order,omitempty"`
}

// EscalationAction is what an escalation level does when it fires.
type EscalationAction string

const (
	EscalateNotify      EscalationAction = "notify"
	EscalateAddApprover EscalationAction = "escalate"
	EscalateAutoApprove EscalationAction = "auto_approve"
	EscalateAutoReject  EscalationAction = "auto_reject"
)

// EscalationLevel fires once, AfterMS milliseconds after request creation.
type EscalationLevel struct {
	AfterMS int64            `json:"after_ms"`
	Action  EscalationAction `json:"action"`
	Target  string           `json:"target,omitempty"`
}

// EscalationPolicy is an ordered list of independent escalation levels.
type EscalationPolicy struct {
	Levels []EscalationLevel `json:"levels"`
}

// ApprovalRequest tracks who must sign off on an approval step and their
// decisions. Never deleted; resolved in place.
type ApprovalRequest struct {
	ID           string                 `json:"id"`
	InstanceID   string                 `json:"instance_id"`
	DefinitionID string                 `json:"definition_id"`
	StepID       string                 `json:"step_id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	RequestedBy  string                 `json:"requested_by"`
	Approvers    []Approver             `json:"approvers"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Attachments  []string               `json:"attachments,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
	DueAt        int64                  `json:"due_at,omitempty"`
	Escalation   *EscalationPolicy      `json:"escalation,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Status       RequestStatus          `json:"status"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
	ResolvedAt   int64                  `json:"resolved_at,omitempty"`
}

// Clone returns a request whose approver slots and maps share no memory
// with the receiver.
func (r ApprovalRequest) Clone() ApprovalRequest {
	cp := r
	if r.Approvers != nil {
		cp.Approvers = make([]Approver, len(r.Approvers))
		copy(cp.Approvers, r.Approvers)
		for i := range cp.Approvers {
			if d := cp.Approvers[i].Decision; d != nil {
				dc := *d
				cp.Approvers[i].Decision = &dc
			}
		}
	}
	if r.Attachments != nil {
		cp.Attachments = append([]string(nil), r.Attachments...)
	}
	cp.Data = copyMap(r.Data)
	cp.Metadata = copyMap(r.Metadata)
	if r.Escalation != nil {
		esc := *r.Escalation
		esc.Levels = append([]EscalationLevel(nil), r.Escalation.Levels...)
		cp.Escalation = &esc
	}
	return cp
}

// Approver returns the slot for the given principal id, or nil.
func (r *ApprovalRequest) Approver(id string) *Approver {
	for i := range r.Approvers {
		if r.Approvers[i].ID == id {
			return &r.Approvers[i]
		}
	}
	return nil
}

// Resolution applies the completion invariant: a rejection by any required
// approver resolves the request rejected regardless of pending slots;
// otherwise the request is resolved approved once every required slot is
// approved or delegated. With no required slots, one approval suffices.
func (r *ApprovalRequest) Resolution() (RequestStatus, bool) {
	for i := range r.Approvers {
		if r.Approvers[i].Required && r.Approvers[i].Status == ApproverRejected {
			return RequestRejected, true
		}
	}
	required := 0
	for i := range r.Approvers {
		a := &r.Approvers[i]
		if !a.Required {
			continue
		}
		required++
		if a.Status != ApproverApproved && a.Status != ApproverDelegated {
			return RequestPending, false
		}
	}
	if required == 0 {
		for i := range r.Approvers {
			if r.Approvers[i].Status == ApproverApproved {
				return RequestApproved, true
			}
		}
		return RequestPending, false
	}
	return RequestApproved, true
}

// DelegationScope restricts which approvals a delegation covers.
type DelegationScope struct {
	ApprovalTypes []string `json:"approval_types,omitempty"`
	Workflows     []string `json:"workflows,omitempty"`
	MaxAmount     float64  `json:"max_amount,omitempty"`
}

// Matches reports whether the request falls inside the scope.
func (s *DelegationScope) Matches(req *ApprovalRequest) bool {
	if s == nil {
		return true
	}
	if len(s.ApprovalTypes) > 0 {
		kind, _ := req.Metadata["type"].(string)
		if !contains(s.ApprovalTypes, kind) {
			return false
		}
	}
	if len(s.Workflows) > 0 && !contains(s.Workflows, req.DefinitionID) {
		return false
	}
	if s.MaxAmount > 0 {
		if amount, ok := toFloat(req.Data["amount"]); ok && amount > s.MaxAmount {
			return false
		}
	}
	return true
}

// Delegation is a standing grant letting ToUserID act as FromUserID's
// approver while live.
type Delegation struct {
	ID         string           `json:"id"`
	FromUserID string           `json:"from_user_id"`
	ToUserID   string           `json:"to_user_id"`
	Reason     string           `json:"reason,omitempty"`
	StartAt    int64            `json:"start_at"`
	EndAt      int64            `json:"end_at,omitempty"`
	Scope      *DelegationScope `json:"scope,omitempty"`
	Active     bool             `json:"active"`
	CreatedAt  int64            `json:"created_at,omitempty"`
}

// LiveAt reports whether the delegation is usable at the given time.
// EndAt == 0 means open-ended.
func (d *Delegation) LiveAt(now int64) bool {
	if !d.Active || now < d.StartAt {
		return false
	}
	return d.EndAt == 0 || now <= d.EndAt
}

// ApprovalPolicy contributes approvers and an escalation override when its
// condition matches the request. Policies are evaluated by priority,
// non-exclusively.
type ApprovalPolicy struct {
	Name       string            `json:"name"`
	Condition  string            `json:"condition,omitempty"`
	Approvers  []ApproverSpec    `json:"approvers,omitempty"`
	Escalation *EscalationPolicy `json:"escalation,omitempty"`
	Priority   int               `json:"priority,omitempty"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
