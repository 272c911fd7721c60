package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

// MaxTransitions bounds how many steps a single instance may take, to stop
// cyclic definitions from spinning forever.
const MaxTransitions = 1000

// Executor drives one workflow instance through its step graph. All
// mutation of the instance goes through the executor's mutex, which makes
// history append order the instance's total order of events.
type Executor struct {
	engine      *Engine
	def         types.WorkflowDefinition
	inst        *types.WorkflowInstance
	mu          sync.Mutex
	transitions int
}

func newExecutor(e *Engine, def types.WorkflowDefinition, inst *types.WorkflowInstance) *Executor {
	return &Executor{engine: e, def: def, inst: inst}
}

// Start begins execution at the definition's first step. Execution proceeds
// synchronously until the instance suspends (approval, wait, parallel join)
// or reaches a terminal status.
func (x *Executor) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	first := x.def.FirstStep()
	if first == nil {
		return x.fail(ctx, "", ErrNoSteps)
	}
	return x.runFrom(ctx, first.ID)
}

// Snapshot returns a read-only copy of the instance. The copy's context and
// history share no memory with the executor's live state.
func (x *Executor) Snapshot() *types.WorkflowInstance {
	x.mu.Lock()
	defer x.mu.Unlock()
	snap := x.inst.Clone()
	return &snap
}

// runFrom executes steps from stepID until suspension or a terminal state.
// Caller must hold x.mu. Step failures are recorded on the instance and do
// not propagate as errors.
func (x *Executor) runFrom(ctx context.Context, stepID string) error {
	for stepID != "" {
		if x.inst.Status.Terminal() {
			return nil
		}
		x.transitions++
		if x.transitions > MaxTransitions {
			return x.fail(ctx, stepID, fmt.Errorf("maximum of %d step transitions exceeded", MaxTransitions))
		}
		step := x.def.Step(stepID)
		if step == nil {
			return x.fail(ctx, stepID, fmt.Errorf("unknown step %q", stepID))
		}

		x.inst.CurrentStep = step.ID
		x.appendHistory(types.HistoryEntry{
			StepID:   step.ID,
			StepName: step.Name,
			Action:   types.HistoryStarted,
		})
		if err := x.save(ctx); err != nil {
			return x.fail(ctx, step.ID, err)
		}
		x.publish(ctx, events.StepStarted, map[string]interface{}{"step_id": step.ID})

		next, suspended, err := x.executeStep(ctx, step)
		if err != nil {
			return x.fail(ctx, step.ID, err)
		}
		if suspended {
			x.appendHistory(types.HistoryEntry{
				StepID:   step.ID,
				StepName: step.Name,
				Action:   types.HistoryWaiting,
			})
			if err := x.save(ctx); err != nil {
				return x.fail(ctx, step.ID, err)
			}
			return nil
		}

		x.appendHistory(types.HistoryEntry{
			StepID:   step.ID,
			StepName: step.Name,
			Action:   types.HistoryCompleted,
		})
		x.publish(ctx, events.StepCompleted, map[string]interface{}{"step_id": step.ID})

		if next == "" {
			return x.complete(ctx)
		}
		stepID = next
	}
	return x.complete(ctx)
}

// executeStep dispatches on the step type. It returns the next step id,
// whether the instance suspended, and any execution error.
func (x *Executor) executeStep(ctx context.Context, step *types.WorkflowStep) (string, bool, error) {
	switch step.Type {
	case types.StepAction:
		if err := x.runActions(ctx, step, x.inst.Context); err != nil {
			return "", false, err
		}
		return x.resolveNext(ctx, step, nil), false, nil

	case types.StepCondition:
		result, err := x.evalCondition(ctx, step)
		if err != nil {
			return "", false, err
		}
		return x.resolveNext(ctx, step, &result), false, nil

	case types.StepNotification:
		x.sendStepNotification(ctx, step, x.inst.Context)
		return x.resolveNext(ctx, step, nil), false, nil

	case types.StepApproval:
		if _, err := x.engine.coordinator.CreateRequest(ctx, x.inst, step); err != nil {
			return "", false, err
		}
		return "", true, nil

	case types.StepParallel:
		if err := x.runParallel(ctx, step); err != nil {
			return "", false, err
		}
		return step.Next.Default, false, nil

	case types.StepWait:
		if step.Timeout == nil || step.Timeout.DurationMS <= 0 {
			return x.resolveNext(ctx, step, nil), false, nil
		}
		instanceID, stepID := x.inst.ID, step.ID
		x.engine.timers.Schedule(instanceID, "wait:"+stepID, step.Timeout.Wait(), func() {
			x.engine.resumeWait(instanceID, stepID)
		})
		return "", true, nil

	default:
		return "", false, fmt.Errorf("unsupported step type %q", step.Type)
	}
}

// runActions executes each configured action sequentially; any failure
// aborts the step.
func (x *Executor) runActions(ctx context.Context, step *types.WorkflowStep, wfctx *types.WorkflowContext) error {
	for _, spec := range step.Actions {
		handler, ok := x.engine.actions.Get(spec.Type)
		if !ok {
			return &types.ExecutionError{StepID: step.ID, Err: fmt.Errorf("%w: %s", ErrActionNotFound, spec.Type)}
		}
		if err := x.executeWithRetry(ctx, handler, spec.Config, wfctx); err != nil {
			return &types.ExecutionError{StepID: step.ID, Err: err}
		}
	}
	return nil
}

// executeWithRetry applies the definition's retry policy to one action
// dispatch. No policy means a single attempt.
func (x *Executor) executeWithRetry(ctx context.Context, handler ActionHandler, config map[string]interface{}, wfctx *types.WorkflowContext) error {
	maxRetries := 0
	retryDelay := x.engine.defaultRetryDelay
	if policy := x.def.Settings.Retry; policy != nil {
		maxRetries = policy.MaxRetries
		if policy.DelayMS > 0 {
			retryDelay = time.Duration(policy.DelayMS) * time.Millisecond
		}
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			err := handler.Execute(ctx, config, wfctx)
			if err == nil {
				return nil
			}
			lastErr = err
			if i < maxRetries {
				time.Sleep(retryDelay)
			}
		}
	}
	if maxRetries > 0 {
		return fmt.Errorf("action failed after %d retries: %w", maxRetries, lastErr)
	}
	return lastErr
}

// evalCondition evaluates the step's rule set: "all" requires every rule
// true, "any" at least one, "custom" delegates to a registered predicate.
func (x *Executor) evalCondition(ctx context.Context, step *types.WorkflowStep) (bool, error) {
	set := step.Condition
	if set == nil {
		return true, nil
	}
	if set.Mode == types.ConditionCustom {
		evaluator, ok := x.engine.conditions.Get(set.Custom)
		if !ok {
			return false, &types.ExecutionError{StepID: step.ID, Err: fmt.Errorf("%w: %s", ErrEvaluatorNotFound, set.Custom)}
		}
		result, err := evaluator.Evaluate(ctx, set.Config, x.inst.Context)
		if err != nil {
			return false, &types.ExecutionError{StepID: step.ID, Err: err}
		}
		return result, nil
	}
	result, err := rules.EvaluateSet(x.engine.evaluator, set, x.inst.Context.Eval())
	if err != nil {
		return false, &types.ExecutionError{StepID: step.ID, Err: err}
	}
	return result, nil
}

// resolveNext picks the outgoing edge: the outcome branch when one applies,
// then conditional branches in order (first match wins), then the default.
func (x *Executor) resolveNext(ctx context.Context, step *types.WorkflowStep, outcome *bool) string {
	if outcome != nil {
		if *outcome && step.Next.Approved != "" {
			return step.Next.Approved
		}
		if !*outcome && step.Next.Rejected != "" {
			return step.Next.Rejected
		}
	}
	if len(step.Next.Conditional) > 0 {
		env := x.inst.Context.Eval()
		for _, branch := range step.Next.Conditional {
			ok, err := x.engine.evaluator.Evaluate(branch.Condition, env)
			if err != nil {
				x.engine.logger.Warn("conditional branch evaluation failed",
					zap.String("step_id", step.ID), zap.String("condition", branch.Condition), zap.Error(err))
				continue
			}
			if ok {
				return branch.Step
			}
		}
	}
	return step.Next.Default
}

// sendStepNotification fires the step's notification. Failures are logged
// and never block workflow progress.
func (x *Executor) sendStepNotification(ctx context.Context, step *types.WorkflowStep, wfctx *types.WorkflowContext) {
	title := step.Name
	if t, ok := step.Metadata["title"].(string); ok && t != "" {
		title = t
	}
	message, _ := step.Metadata["message"].(string)

	recipients := x.resolveRecipients(ctx, step, wfctx)
	for _, userID := range recipients {
		if err := x.engine.notifier.Notify(ctx, userID, "workflow", title, message, "normal",
			map[string]interface{}{"instance_id": x.inst.ID, "step_id": step.ID}); err != nil {
			x.engine.logger.Warn("step notification failed",
				zap.String("step_id", step.ID), zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (x *Executor) resolveRecipients(ctx context.Context, step *types.WorkflowStep, wfctx *types.WorkflowContext) []string {
	if step.Assignee == nil {
		if wfctx.User.ID != "" {
			return []string{wfctx.User.ID}
		}
		return nil
	}
	switch step.Assignee.Type {
	case types.AssigneeUser, "":
		return []string{step.Assignee.Value}
	case types.AssigneeRole:
		users, err := x.engine.directory.UsersByRole(ctx, step.Assignee.Value)
		if err != nil {
			x.engine.logger.Warn("failed to resolve role recipients", zap.Error(err))
			return nil
		}
		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}
		return ids
	case types.AssigneeGroup:
		users, err := x.engine.directory.UsersByGroup(ctx, step.Assignee.Value)
		if err != nil {
			x.engine.logger.Warn("failed to resolve group recipients", zap.Error(err))
			return nil
		}
		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}
		return ids
	case types.AssigneeDynamic:
		switch v := wfctx.Variables[step.Assignee.Value].(type) {
		case string:
			return []string{v}
		case []string:
			return v
		}
	}
	return nil
}

// branchResult carries one parallel branch's outcome back to the join.
type branchResult struct {
	entries []types.HistoryEntry
	vars    map[string]interface{}
	output  map[string]interface{}
	err     error
}

// runParallel fans the step's branches out concurrently. Each branch runs
// its chain of action/condition/notification steps against a copy of the
// context; results merge back in branch order at the join. The completion
// policy comes from step metadata: "all" (default) needs every branch to
// succeed, "any" needs at least one.
func (x *Executor) runParallel(ctx context.Context, step *types.WorkflowStep) error {
	if len(step.Branches) == 0 {
		return nil
	}
	policy, _ := step.Metadata["completion"].(string)

	results := make([]branchResult, len(step.Branches))
	var wg sync.WaitGroup
	for i, entry := range step.Branches {
		wg.Add(1)
		go func(idx int, startID string) {
			defer wg.Done()
			results[idx] = x.runBranch(ctx, step.ID, startID)
		}(i, entry)
	}
	wg.Wait()

	succeeded := 0
	var firstErr error
	var merged []types.HistoryEntry
	for _, res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		succeeded++
		merged = append(merged, res.entries...)
		for k, v := range res.vars {
			x.inst.Context.Variables[k] = v
		}
		for k, v := range res.output {
			x.inst.Context.Output[k] = v
		}
	}
	// Branches ran concurrently; interleave their entries by wall clock so
	// instance history stays non-decreasing in timestamp. The stable sort
	// keeps each branch's internal order.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	x.inst.History = append(x.inst.History, merged...)

	if policy == "any" {
		if succeeded == 0 {
			return &types.ExecutionError{StepID: step.ID, Err: firstErr}
		}
		return nil
	}
	if firstErr != nil {
		return &types.ExecutionError{StepID: step.ID, Err: firstErr}
	}
	return nil
}

// runBranch executes one parallel branch chain to exhaustion. Steps that
// suspend (approval, wait, nested parallel) are not allowed inside a branch.
func (x *Executor) runBranch(ctx context.Context, parentID, startID string) branchResult {
	wfctx := x.branchContext()
	res := branchResult{vars: wfctx.Variables, output: wfctx.Output}

	cur := startID
	for steps := 0; cur != "" && steps < MaxTransitions; steps++ {
		step := x.def.Step(cur)
		if step == nil {
			res.err = fmt.Errorf("branch of %q references unknown step %q", parentID, cur)
			return res
		}
		res.entries = append(res.entries, types.HistoryEntry{
			StepID:    step.ID,
			StepName:  step.Name,
			Action:    types.HistoryStarted,
			Timestamp: time.Now().UnixMilli(),
		})

		var outcome *bool
		switch step.Type {
		case types.StepAction:
			if err := x.runActions(ctx, step, wfctx); err != nil {
				res.err = err
				return res
			}
		case types.StepCondition:
			result, err := branchCondition(ctx, x, step, wfctx)
			if err != nil {
				res.err = err
				return res
			}
			outcome = &result
		case types.StepNotification:
			x.sendStepNotification(ctx, step, wfctx)
		default:
			res.err = fmt.Errorf("step type %q cannot run inside a parallel branch", step.Type)
			return res
		}

		res.entries = append(res.entries, types.HistoryEntry{
			StepID:    step.ID,
			StepName:  step.Name,
			Action:    types.HistoryCompleted,
			Timestamp: time.Now().UnixMilli(),
		})
		cur = branchNext(x, step, outcome, wfctx)
	}
	return res
}

// branchContext shallow-copies the instance context with private variable
// and output maps, so concurrent branches never share mutable state.
func (x *Executor) branchContext() *types.WorkflowContext {
	src := x.inst.Context
	vars := make(map[string]interface{}, len(src.Variables))
	for k, v := range src.Variables {
		vars[k] = v
	}
	out := make(map[string]interface{}, len(src.Output))
	for k, v := range src.Output {
		out[k] = v
	}
	cp := *src
	cp.Variables = vars
	cp.Output = out
	return &cp
}

func branchCondition(ctx context.Context, x *Executor, step *types.WorkflowStep, wfctx *types.WorkflowContext) (bool, error) {
	set := step.Condition
	if set == nil {
		return true, nil
	}
	if set.Mode == types.ConditionCustom {
		evaluator, ok := x.engine.conditions.Get(set.Custom)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrEvaluatorNotFound, set.Custom)
		}
		return evaluator.Evaluate(ctx, set.Config, wfctx)
	}
	return rules.EvaluateSet(x.engine.evaluator, set, wfctx.Eval())
}

func branchNext(x *Executor, step *types.WorkflowStep, outcome *bool, wfctx *types.WorkflowContext) string {
	if outcome != nil {
		if *outcome && step.Next.Approved != "" {
			return step.Next.Approved
		}
		if !*outcome && step.Next.Rejected != "" {
			return step.Next.Rejected
		}
	}
	for _, branch := range step.Next.Conditional {
		ok, err := x.engine.evaluator.Evaluate(branch.Condition, wfctx.Eval())
		if err == nil && ok {
			return branch.Step
		}
	}
	return step.Next.Default
}

// HandleApproval resumes the instance after its current approval step
// resolved. The outcome selects the approved/rejected branch; a rejection
// with no wired branch fails the instance.
func (x *Executor) HandleApproval(ctx context.Context, stepID string, outcome types.RequestStatus, decision types.ApprovalDecision) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.inst.Status.Terminal() {
		return nil
	}
	if x.inst.CurrentStep != stepID {
		x.engine.logger.Warn("stale approval resolution",
			zap.String("instance_id", x.inst.ID), zap.String("step_id", stepID))
		return nil
	}
	if outcome == types.RequestCancelled {
		return nil
	}
	step := x.def.Step(stepID)
	if step == nil {
		return x.fail(ctx, stepID, fmt.Errorf("unknown step %q", stepID))
	}

	if x.inst.Context.Approvals == nil {
		x.inst.Context.Approvals = make(map[string]types.ApprovalDecision)
	}
	x.inst.Context.Approvals[stepID] = decision

	approved := outcome == types.RequestApproved
	x.appendHistory(types.HistoryEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Action:   types.HistoryCompleted,
		Actor:    decision.ApproverID,
		Details:  map[string]interface{}{"outcome": string(outcome)},
	})
	x.publish(ctx, events.StepCompleted, map[string]interface{}{
		"step_id": step.ID,
		"outcome": string(outcome),
	})

	next := x.resolveNext(ctx, step, &approved)
	if next == "" {
		if approved {
			return x.complete(ctx)
		}
		return x.fail(ctx, stepID, errors.New("approval rejected"))
	}
	return x.runFrom(ctx, next)
}

// ResumeWait continues the instance after a wait step's timer fired or an
// external signal arrived.
func (x *Executor) ResumeWait(ctx context.Context, stepID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.inst.Status.Terminal() || x.inst.CurrentStep != stepID {
		return nil
	}
	step := x.def.Step(stepID)
	if step == nil {
		return x.fail(ctx, stepID, fmt.Errorf("unknown step %q", stepID))
	}
	x.appendHistory(types.HistoryEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Action:   types.HistoryCompleted,
	})
	x.publish(ctx, events.StepCompleted, map[string]interface{}{"step_id": step.ID})

	next := x.resolveNext(ctx, step, nil)
	if next == "" {
		return x.complete(ctx)
	}
	return x.runFrom(ctx, next)
}

// Cancel tears down the instance's timers and open approvals and marks it
// cancelled. Cancelling an already-terminal instance is a no-op.
func (x *Executor) Cancel(ctx context.Context, reason, cancelledBy string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.inst.Status.Terminal() {
		return nil
	}

	x.engine.timers.CancelOwner(x.inst.ID)
	if err := x.engine.coordinator.CancelInstance(ctx, x.inst.ID, reason); err != nil {
		x.engine.logger.Warn("failed to cancel open approvals",
			zap.String("instance_id", x.inst.ID), zap.Error(err))
	}

	now := time.Now().UnixMilli()
	x.inst.Status = types.StatusCancelled
	x.inst.CompletedAt = now
	x.appendHistory(types.HistoryEntry{
		StepID:  x.inst.CurrentStep,
		Action:  types.HistoryCancelled,
		Actor:   cancelledBy,
		Details: map[string]interface{}{"reason": reason},
	})
	if err := x.save(ctx); err != nil {
		return err
	}
	x.publish(ctx, events.WorkflowCancelled, map[string]interface{}{"reason": reason})
	x.engine.dropExecutor(x.inst.ID)
	return nil
}

// appendExternal lets the engine append audit entries (escalation,
// delegation) under the executor's lock.
func (x *Executor) appendExternal(ctx context.Context, entry types.HistoryEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appendHistory(entry)
	return x.save(ctx)
}

// complete marks the instance completed. Caller must hold x.mu.
func (x *Executor) complete(ctx context.Context) error {
	now := time.Now().UnixMilli()
	x.inst.Status = types.StatusCompleted
	x.inst.CompletedAt = now
	x.inst.CurrentStep = ""
	if err := x.save(ctx); err != nil {
		return err
	}
	x.publish(ctx, events.WorkflowCompleted, nil)
	if x.def.Settings.NotifyOnComplete && x.inst.StartedBy != "" {
		if err := x.engine.notifier.Notify(ctx, x.inst.StartedBy, "workflow", x.def.Name,
			"workflow completed", "normal", map[string]interface{}{"instance_id": x.inst.ID}); err != nil {
			x.engine.logger.Warn("completion notification failed", zap.Error(err))
		}
	}
	x.engine.dropExecutor(x.inst.ID)
	return nil
}

// fail records the error, marks the instance failed, and emits the failure
// event. The error does not propagate: failed instances keep their history
// and error record for audit. Caller must hold x.mu.
func (x *Executor) fail(ctx context.Context, stepID string, err error) error {
	now := time.Now().UnixMilli()
	x.inst.Status = types.StatusFailed
	x.inst.CompletedAt = now
	x.inst.Error = &types.InstanceError{
		Message:   err.Error(),
		StepID:    stepID,
		Timestamp: now,
	}
	x.appendHistory(types.HistoryEntry{
		StepID:  stepID,
		Action:  types.HistoryFailed,
		Details: map[string]interface{}{"error": err.Error()},
	})
	if serr := x.save(ctx); serr != nil {
		x.engine.logger.Error("failed to save failed instance",
			zap.String("instance_id", x.inst.ID), zap.Error(serr))
	}
	x.publish(ctx, events.WorkflowFailed, map[string]interface{}{"error": err.Error()})
	x.engine.dropExecutor(x.inst.ID)
	return nil
}

func (x *Executor) appendHistory(entry types.HistoryEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	x.inst.History = append(x.inst.History, entry)
}

func (x *Executor) save(ctx context.Context) error {
	if err := x.engine.store.SaveInstance(ctx, *x.inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (x *Executor) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	x.engine.publishEvent(ctx, eventType, x.inst.ID, data)
}
