package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/approval"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/timers"
	"github.com/songzhibin97/approval-engine/types"
)

// Engine is the workflow facade: it owns the instance table, starts,
// cancels, and queries instances, and routes approval decisions to the
// coordinator/executor pair. It is constructed and owned by its host
// process; there is no package-level singleton.
type Engine struct {
	definitions *DefinitionRegistry
	actions     *ActionRegistry
	conditions  *ConditionRegistry
	coordinator *approval.Coordinator
	store       storage.Storage
	evaluator   rules.Evaluator
	bus         *events.EventBus
	timers      *timers.Scheduler
	generate    generator.Generator
	directory   approval.Directory
	notifier    approval.Notifier
	logger      *zap.Logger

	mu        sync.RWMutex
	executors map[string]*Executor
	templates map[string]types.WorkflowDefinition
	stopped   bool

	defaultRetryDelay time.Duration
}

// Option configures the engine at construction time.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEvaluator sets a custom rule evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = evaluator }
}

// WithEventBus sets a custom event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithDirectory sets the identity directory collaborator.
func WithDirectory(d approval.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithNotifier sets the notification dispatch collaborator.
func WithNotifier(n approval.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRetryDelay sets the fallback delay between action retries when the
// definition's retry policy does not specify one.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.defaultRetryDelay = d }
}

// NewEngine creates a new Engine with the given generator and storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:             store,
		generate:          generate,
		timers:            timers.NewScheduler(),
		executors:         make(map[string]*Executor),
		templates:         builtinTemplates(),
		defaultRetryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator()
	}
	if e.bus == nil {
		e.bus = events.NewEventBus(events.WithLogger(e.logger))
	}
	if e.directory == nil {
		e.directory = approval.NewInMemoryDirectory()
	}
	if e.notifier == nil {
		e.notifier = &approval.LogNotifier{Logger: e.logger}
	}

	e.definitions = NewDefinitionRegistry(store)
	e.actions = NewActionRegistry()
	e.conditions = NewConditionRegistry()
	e.coordinator = approval.NewCoordinator(store, e.directory, e.notifier, e.bus, e.evaluator, e.logger)
	e.coordinator.SetResolutionHandler(e.onApprovalResolved)
	e.coordinator.SetRecorder(e)
	return e, nil
}

// Coordinator exposes the approval coordinator.
func (e *Engine) Coordinator() *approval.Coordinator { return e.coordinator }

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.bus.Subscribe(eventType, handler)
}

// RegisterActionHandler registers a handler for an action type.
func (e *Engine) RegisterActionHandler(actionType string, h ActionHandler) error {
	return e.actions.Register(actionType, h)
}

// RegisterConditionEvaluator registers a custom condition predicate.
func (e *Engine) RegisterConditionEvaluator(name string, ev ConditionEvaluator) error {
	return e.conditions.Register(name, ev)
}

// RegisterApprovalPolicy adds an approval policy to the coordinator.
func (e *Engine) RegisterApprovalPolicy(p types.ApprovalPolicy) {
	e.coordinator.RegisterPolicy(p)
}

// CreateDelegation validates and stores a delegation, reassigning pending
// approvals when it is already live.
func (e *Engine) CreateDelegation(ctx context.Context, d types.Delegation) (types.Delegation, error) {
	return e.coordinator.Delegations().Create(ctx, d)
}

// RegisterWorkflow validates and persists a workflow definition.
func (e *Engine) RegisterWorkflow(ctx context.Context, def types.WorkflowDefinition) error {
	if e.isStopped() {
		return ErrEngineStopped
	}
	return e.definitions.Register(ctx, def)
}

// GetWorkflowDefinition retrieves a registered definition.
func (e *Engine) GetWorkflowDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return e.definitions.Get(ctx, id)
}

// SetDefinitionActive toggles whether new instances may start from the
// definition. Running instances are unaffected.
func (e *Engine) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	return e.definitions.SetActive(ctx, id, active)
}

// StartWorkflow creates and starts a new instance of the definition.
// Execution proceeds synchronously until the instance suspends or reaches a
// terminal status; the returned snapshot reflects progress so far.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, input map[string]interface{}, startedBy string, entity *types.EntityRef) (*types.WorkflowInstance, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}
	def, err := e.definitions.Get(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionInactive, definitionID)
	}

	id, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance id: %w", err)
	}

	variables := make(map[string]interface{}, len(def.Variables))
	for k, v := range def.Variables {
		variables[k] = v
	}
	if input == nil {
		input = make(map[string]interface{})
	}

	user := types.Identity{ID: startedBy}
	if u, uerr := e.directory.User(ctx, startedBy); uerr == nil {
		user.Name = u.Name
	}

	now := time.Now().UnixMilli()
	inst := &types.WorkflowInstance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            types.StatusPending,
		Context: &types.WorkflowContext{
			InstanceID:   id,
			DefinitionID: def.ID,
			Variables:    variables,
			Input:        input,
			Output:       make(map[string]interface{}),
			User:         user,
			Entity:       entity,
			Approvals:    make(map[string]types.ApprovalDecision),
		},
		History:   []types.HistoryEntry{},
		StartedAt: now,
		StartedBy: startedBy,
	}
	inst.Status = types.StatusRunning

	exec := newExecutor(e, def, inst)
	e.mu.Lock()
	e.executors[id] = exec
	e.mu.Unlock()

	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		e.mu.Lock()
		delete(e.executors, id)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	e.publishEvent(ctx, events.WorkflowStarted, id, map[string]interface{}{
		"definition_id": def.ID,
		"started_by":    startedBy,
	})
	if def.Settings.NotifyOnStart && startedBy != "" {
		if nerr := e.notifier.Notify(ctx, startedBy, "workflow", def.Name, "workflow started", "normal",
			map[string]interface{}{"instance_id": id}); nerr != nil {
			e.logger.Warn("start notification failed", zap.Error(nerr))
		}
	}

	if err := exec.Start(ctx); err != nil {
		return exec.Snapshot(), err
	}
	return exec.Snapshot(), nil
}

// SubmitApproval routes an approver decision to the open approval request
// of the given instance and step. The acting identity is decision.ApproverID.
func (e *Engine) SubmitApproval(ctx context.Context, instanceID, stepID string, decision types.ApprovalDecision) error {
	if decision.ApproverID == "" {
		return &types.ValidationError{Field: "decision", Reason: "approver id is required"}
	}
	exec, ok := e.executor(instanceID)
	if !ok {
		return &types.NotFoundError{Kind: "instance", ID: instanceID}
	}
	step := exec.def.Step(stepID)
	if step == nil {
		return &types.NotFoundError{Kind: "step", ID: stepID}
	}
	if step.Type != types.StepApproval {
		return fmt.Errorf("%w: %s", ErrNotApprovalStep, stepID)
	}
	req, err := e.coordinator.RequestForStep(ctx, instanceID, stepID)
	if err != nil {
		return err
	}
	_, err = e.coordinator.SubmitDecision(ctx, req.ID, decision.ApproverID, decision)
	return err
}

// CancelWorkflow cancels a running instance: timers are torn down, open
// approvals resolve cancelled, the instance goes terminal. Cancelling an
// already-terminal instance is a no-op.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason, cancelledBy string) error {
	if exec, ok := e.executor(instanceID); ok {
		return exec.Cancel(ctx, reason, cancelledBy)
	}

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return &types.NotFoundError{Kind: "instance", ID: instanceID}
	}
	if inst.Status.Terminal() {
		return nil
	}
	e.timers.CancelOwner(instanceID)
	if cerr := e.coordinator.CancelInstance(ctx, instanceID, reason); cerr != nil {
		e.logger.Warn("failed to cancel open approvals", zap.Error(cerr))
	}
	now := time.Now().UnixMilli()
	inst.Status = types.StatusCancelled
	inst.CompletedAt = now
	inst.History = append(inst.History, types.HistoryEntry{
		StepID:    inst.CurrentStep,
		Action:    types.HistoryCancelled,
		Actor:     cancelledBy,
		Timestamp: now,
		Details:   map[string]interface{}{"reason": reason},
	})
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	e.publishEvent(ctx, events.WorkflowCancelled, instanceID, map[string]interface{}{"reason": reason})
	return nil
}

// Signal resumes a wait step before its timer fires.
func (e *Engine) Signal(ctx context.Context, instanceID, stepID string) error {
	exec, ok := e.executor(instanceID)
	if !ok {
		return &types.NotFoundError{Kind: "instance", ID: instanceID}
	}
	e.timers.Cancel(instanceID, "wait:"+stepID)
	return exec.ResumeWait(ctx, stepID)
}

// GetWorkflowInstance returns a snapshot of the instance.
func (e *Engine) GetWorkflowInstance(ctx context.Context, instanceID string) (*types.WorkflowInstance, error) {
	if exec, ok := e.executor(instanceID); ok {
		return exec.Snapshot(), nil
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, &types.NotFoundError{Kind: "instance", ID: instanceID}
	}
	return &inst, nil
}

// GetWorkflowInstances lists instances matching the filter.
func (e *Engine) GetWorkflowInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// GetWorkflowStats aggregates counts and average completion time over the
// instance table, optionally narrowed by definition and start-time range.
func (e *Engine) GetWorkflowStats(ctx context.Context, definitionID string, since, until int64) (types.WorkflowStats, error) {
	instances, err := e.store.ListInstances(ctx, types.InstanceFilter{
		DefinitionID: definitionID,
		Since:        since,
		Until:        until,
	})
	if err != nil {
		return types.WorkflowStats{}, err
	}

	stats := types.WorkflowStats{
		Total:    len(instances),
		ByStatus: make(map[types.InstanceStatus]int),
	}
	var completed, totalMS int64
	for _, inst := range instances {
		stats.ByStatus[inst.Status]++
		if inst.Status == types.StatusCompleted && inst.CompletedAt > 0 {
			completed++
			totalMS += inst.CompletedAt - inst.StartedAt
		}
	}
	if completed > 0 {
		stats.AvgCompletionMS = totalMS / completed
	}
	return stats, nil
}

// PendingApprovals returns the user's open approval inbox.
func (e *Engine) PendingApprovals(ctx context.Context, userID string) ([]types.ApprovalRequest, error) {
	return e.coordinator.PendingForUser(ctx, userID)
}

// ExportDefinition serializes a registered definition as JSON.
func (e *Engine) ExportDefinition(ctx context.Context, id string) ([]byte, error) {
	def, err := e.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(def, "", "  ")
}

// ImportDefinition parses, validates, and registers a JSON definition.
func (e *Engine) ImportDefinition(ctx context.Context, data []byte) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return types.WorkflowDefinition{}, &types.ValidationError{Field: "definition", Reason: err.Error()}
	}
	if err := e.definitions.Register(ctx, def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	return def, nil
}

// GetWorkflowTemplates returns the built-in template catalog.
func (e *Engine) GetWorkflowTemplates() []types.WorkflowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.WorkflowDefinition, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	return out
}

// CloneFromTemplate deep-copies a template under a new id/name and
// registers it as an active definition.
func (e *Engine) CloneFromTemplate(ctx context.Context, templateID, newID, newName string) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	// JSON round trip gives an independent deep copy of the nested maps.
	data, err := json.Marshal(tmpl)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	var def types.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	def.ID = newID
	if newName != "" {
		def.Name = newName
	}
	def.Active = true
	def.CreatedAt = 0

	if err := e.definitions.Register(ctx, def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	return def, nil
}

// AppendHistory implements approval.Recorder: audit entries from the
// coordinator land on the instance under its executor's lock.
func (e *Engine) AppendHistory(ctx context.Context, instanceID string, entry types.HistoryEntry) error {
	if exec, ok := e.executor(instanceID); ok {
		return exec.appendExternal(ctx, entry)
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.History = append(inst.History, entry)
	return e.store.SaveInstance(ctx, inst)
}

// Stop shuts the engine down: all timers are cancelled and the event bus
// drains. Instances stay in storage.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.coordinator.Stop()
	e.timers.Stop()
	e.bus.Stop()
	return nil
}

// onApprovalResolved routes a resolved approval back into the owning
// executor, which resumes step transition using the outcome as the
// approved/rejected branch selector.
func (e *Engine) onApprovalResolved(ctx context.Context, instanceID, stepID string, outcome types.RequestStatus, decision types.ApprovalDecision) {
	exec, ok := e.executor(instanceID)
	if !ok {
		e.logger.Warn("approval resolved for unknown instance",
			zap.String("instance_id", instanceID), zap.String("step_id", stepID))
		return
	}
	if err := exec.HandleApproval(ctx, stepID, outcome, decision); err != nil {
		e.logger.Error("failed to resume after approval",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// resumeWait is the wait-step timer callback.
func (e *Engine) resumeWait(instanceID, stepID string) {
	exec, ok := e.executor(instanceID)
	if !ok {
		return
	}
	if err := exec.ResumeWait(context.Background(), stepID); err != nil {
		e.logger.Error("failed to resume wait step",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// dropExecutor releases a terminal instance's executor. Later reads fall
// back to the store.
func (e *Engine) dropExecutor(instanceID string) {
	e.mu.Lock()
	delete(e.executors, instanceID)
	e.mu.Unlock()
}

func (e *Engine) executor(instanceID string) (*Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executors[instanceID]
	return exec, ok
}

func (e *Engine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

func (e *Engine) nextID() (string, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return "", err
	}
	return "wf-" + strconv.FormatUint(id, 10), nil
}

// publishEvent publishes an event asynchronously to the event bus. The
// caller's context is not reused: delivery must outlive the request.
func (e *Engine) publishEvent(_ context.Context, eventType, instanceID string, data map[string]interface{}) {
	go func() {
		_ = e.bus.Publish(context.Background(), events.Event{
			Type:       eventType,
			InstanceID: instanceID,
			Data:       data,
		})
	}()
}
