package types

import "time"

// StepType identifies the kind of a workflow step.
type StepType string

const (
	StepApproval     StepType = "approval"
	StepAction       StepType = "action"
	StepCondition    StepType = "condition"
	StepNotification StepType = "notification"
	StepParallel     StepType = "parallel"
	StepWait         StepType = "wait"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
	StatusSuspended InstanceStatus = "suspended"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AssigneeType classifies how an assignee or approver reference is resolved.
type AssigneeType string

const (
	AssigneeUser    AssigneeType = "user"
	AssigneeRole    AssigneeType = "role"
	AssigneeGroup   AssigneeType = "group"
	AssigneeDynamic AssigneeType = "dynamic"
)

// AssigneeSpec names the principal a step is assigned to.
type AssigneeSpec struct {
	Type  AssigneeType `json:"type"`
	Value string       `json:"value"`
}

// ApproverSpec is the definition-time description of one approver slot.
// Role and group specs expand to every matching principal at request creation.
type ApproverSpec struct {
	Type     AssigneeType `json:"type"`
	ID       string       `json:"id"`
	Required bool         `json:"required"`
	Order    int          `json:"order,omitempty"`
}

// ConditionMode selects how the rules of a ConditionSet are combined.
type ConditionMode string

const (
	ConditionAll    ConditionMode = "all"
	ConditionAny    ConditionMode = "any"
	ConditionCustom ConditionMode = "custom"
)

// ConditionSet configures a condition step. Rules are boolean expressions
// evaluated against the instance context. Custom names a registered evaluator.
type ConditionSet struct {
	Mode   ConditionMode          `json:"mode"`
	Rules  []string               `json:"rules,omitempty"`
	Custom string                 `json:"custom,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// ActionSpec is one typed action descriptor executed by an action step.
type ActionSpec struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// TimeoutAction is the fallback applied when a step timeout elapses.
type TimeoutAction string

const (
	TimeoutEscalate    TimeoutAction = "escalate"
	TimeoutAutoApprove TimeoutAction = "auto_approve"
	TimeoutAutoReject  TimeoutAction = "auto_reject"
	TimeoutNotify      TimeoutAction = "notify"
)

// TimeoutSpec bounds how long a step may stay open.
type TimeoutSpec struct {
	DurationMS int64         `json:"duration_ms"`
	Fallback   TimeoutAction `json:"fallback,omitempty"`
}

// Wait returns the timeout as a duration.
func (t TimeoutSpec) Wait() time.Duration {
	return time.Duration(t.DurationMS) * time.Millisecond
}

// ConditionalBranch routes to Step when Condition evaluates true.
type ConditionalBranch struct {
	Condition string `json:"condition"`
	Step      string `json:"step"`
}

// NextSteps wires a step to its successors. Conditional branches are
// evaluated in order, first match wins; Approved/Rejected apply to approval
// and condition outcomes; Default is the fallback edge.
type NextSteps struct {
	Approved    string              `json:"approved,omitempty"`
	Rejected    string              `json:"rejected,omitempty"`
	Default     string              `json:"default,omitempty"`
	Conditional []ConditionalBranch `json:"conditional,omitempty"`
}

// References returns every step id the edge set points at.
func (n NextSteps) References() []string {
	refs := make([]string, 0, 3+len(n.Conditional))
	for _, id := range []string{n.Approved, n.Rejected, n.Default} {
		if id != "" {
			refs = append(refs, id)
		}
	}
	for _, b := range n.Conditional {
		if b.Step != "" {
			refs = append(refs, b.Step)
		}
	}
	return refs
}

// WorkflowStep is a typed node in a definition's graph.
type WorkflowStep struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      StepType               `json:"type"`
	Assignee  *AssigneeSpec          `json:"assignee,omitempty"`
	Approvers []ApproverSpec         `json:"approvers,omitempty"`
	Condition *ConditionSet          `json:"condition,omitempty"`
	Actions   []ActionSpec           `json:"actions,omitempty"`
	Timeout   *TimeoutSpec           `json:"timeout,omitempty"`
	Branches  []string               `json:"branches,omitempty"`
	Next      NextSteps              `json:"next"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TriggerSpec describes what starts the workflow. Informational to the
// engine; the host decides when to call StartWorkflow.
type TriggerSpec struct {
	Type   string                 `json:"type"`
	Event  string                 `json:"event,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// RetryPolicy governs action dispatch retries.
type RetryPolicy struct {
	MaxRetries int   `json:"max_retries"`
	DelayMS    int64 `json:"delay_ms"`
}

// ExecutionSettings are per-definition runtime knobs.
type ExecutionSettings struct {
	Parallel           bool         `json:"parallel,omitempty"`
	MaxExecutionTimeMS int64        `json:"max_execution_time_ms,omitempty"`
	Retry              *RetryPolicy `json:"retry,omitempty"`
	NotifyOnStart      bool         `json:"notify_on_start,omitempty"`
	NotifyOnComplete   bool         `json:"notify_on_complete,omitempty"`
}

// WorkflowDefinition is a versioned, immutable template describing a
// workflow's steps and wiring. Re-registering the same id overwrites;
// running instances keep the snapshot they started with.
type WorkflowDefinition struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	Category        string                 `json:"category,omitempty"`
	Trigger         *TriggerSpec           `json:"trigger,omitempty"`
	Steps           []WorkflowStep         `json:"steps"`
	Variables       map[string]interface{} `json:"variables,omitempty"`
	AllowedStarters []string               `json:"allowed_starters,omitempty"`
	AllowedViewers  []string               `json:"allowed_viewers,omitempty"`
	Settings        ExecutionSettings      `json:"settings"`
	Active          bool                   `json:"active"`
	CreatedAt       int64                  `json:"created_at,omitempty"`
	UpdatedAt       int64                  `json:"updated_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the entry step of the definition, or nil when empty.
func (d *WorkflowDefinition) FirstStep() *WorkflowStep {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// Identity is the acting user threaded through a workflow context.
type Identity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// EntityRef points at the business entity the workflow concerns.
type EntityRef struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id"`
	Snapshot map[string]interface{} `json:"snapshot,omitempty"`
}

// WorkflowContext is the per-instance mutable state bag. It is mutated only
// by the owning executor and the approval coordinator, serialized per
// instance.
type WorkflowContext struct {
	InstanceID   string                      `json:"instance_id"`
	DefinitionID string                      `json:"definition_id"`
	Variables    map[string]interface{}      `json:"variables"`
	Input        map[string]interface{}      `json:"input,omitempty"`
	Output       map[string]interface{}      `json:"output,omitempty"`
	User         Identity                    `json:"user"`
	Entity       *EntityRef                  `json:"entity,omitempty"`
	Approvals    map[string]ApprovalDecision `json:"approvals,omitempty"`
}

// Clone returns a context whose maps are independent of the receiver's.
// Nested values are shared; handlers replace entries rather than mutate them.
func (c *WorkflowContext) Clone() *WorkflowContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Variables = copyMap(c.Variables)
	cp.Input = copyMap(c.Input)
	cp.Output = copyMap(c.Output)
	if c.Approvals != nil {
		cp.Approvals = make(map[string]ApprovalDecision, len(c.Approvals))
		for k, v := range c.Approvals {
			cp.Approvals[k] = v
		}
	}
	if c.Entity != nil {
		entity := *c.Entity
		entity.Snapshot = copyMap(c.Entity.Snapshot)
		cp.Entity = &entity
	}
	return &cp
}

// Eval flattens the context into the environment seen by rule expressions.
func (c *WorkflowContext) Eval() map[string]interface{} {
	env := make(map[string]interface{}, len(c.Variables)+len(c.Input)+4)
	for k, v := range c.Variables {
		env[k] = v
	}
	for k, v := range c.Input {
		env[k] = v
	}
	env["input"] = c.Input
	env["output"] = c.Output
	env["user"] = c.User
	if c.Entity != nil {
		env["entity"] = c.Entity.Snapshot
	}
	return env
}

// History entry actions.
const (
	HistoryStarted   = "started"
	HistoryCompleted = "completed"
	HistoryFailed    = "failed"
	HistoryCancelled = "cancelled"
	HistoryWaiting   = "waiting"
	HistoryDecision  = "decision"
	HistoryEscalated = "escalated"
	HistoryDelegated = "delegated"
)

// HistoryEntry is one append-only audit record on an instance. Entries are
// totally ordered by append order for a single instance.
type HistoryEntry struct {
	StepID    string                 `json:"step_id,omitempty"`
	StepName  string                 `json:"step_name,omitempty"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// InstanceError records why an instance failed.
type InstanceError struct {
	Message   string `json:"message"`
	StepID    string `json:"step_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WorkflowInstance is one execution of a definition. Created exactly once by
// StartWorkflow and mutated only by its owning executor until terminal.
type WorkflowInstance struct {
	ID                string           `json:"id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion string           `json:"definition_version"`
	Status            InstanceStatus   `json:"status"`
	CurrentStep       string           `json:"current_step,omitempty"`
	Context           *WorkflowContext `json:"context"`
	History           []HistoryEntry   `json:"history"`
	StartedAt         int64            `json:"started_at"`
	CompletedAt       int64            `json:"completed_at,omitempty"`
	StartedBy         string           `json:"started_by"`
	Error             *InstanceError   `json:"error,omitempty"`
}

// Clone returns an instance that shares no mutable state with the receiver.
func (i WorkflowInstance) Clone() WorkflowInstance {
	cp := i
	cp.Context = i.Context.Clone()
	if i.History != nil {
		cp.History = make([]HistoryEntry, len(i.History))
		copy(cp.History, i.History)
	}
	if i.Error != nil {
		e := *i.Error
		cp.Error = &e
	}
	return cp
}

// InstanceFilter narrows instance queries. Zero fields match everything.
type InstanceFilter struct {
	DefinitionID string
	Status       InstanceStatus
	StartedBy    string
	Since        int64
	Until        int64
}

// Match reports whether the instance passes the filter.
func (f InstanceFilter) Match(inst WorkflowInstance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.StartedBy != "" && inst.StartedBy != f.StartedBy {
		return false
	}
	if f.Since != 0 && inst.StartedAt < f.Since {
		return false
	}
	if f.Until != 0 && inst.StartedAt > f.Until {
		return false
	}
	return true
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WorkflowStats is a read-only aggregate over the instance table.
type WorkflowStats struct {
	Total           int                    `json:"total"`
	ByStatus        map[InstanceStatus]int `json:"by_status"`
	AvgCompletionMS int64                  `json:"avg_completion_ms"`
}
