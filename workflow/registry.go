package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// DefinitionRegistry validates and stores workflow definitions, with a
// read-through cache in front of storage. Re-registering an id overwrites;
// the caller is responsible for versioning. Running instances keep the
// snapshot they were started with.
type DefinitionRegistry struct {
	store storage.Storage
	cache map[string]types.WorkflowDefinition
	mu    sync.RWMutex
}

// NewDefinitionRegistry creates a registry over the given store.
func NewDefinitionRegistry(store storage.Storage) *DefinitionRegistry {
	return &DefinitionRegistry{
		store: store,
		cache: make(map[string]types.WorkflowDefinition),
	}
}

// Register validates and persists a definition.
func (r *DefinitionRegistry) Register(ctx context.Context, def types.WorkflowDefinition) error {
	if err := validateDefinition(&def); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if def.CreatedAt == 0 {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[def.ID] = def
	r.mu.Unlock()
	return nil
}

// Get retrieves a definition, checking cache first then storage.
func (r *DefinitionRegistry) Get(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	r.mu.RLock()
	def, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) || errors.Is(err, storage.ErrNotFound) {
			return types.WorkflowDefinition{}, &types.NotFoundError{Kind: "definition", ID: id}
		}
		return types.WorkflowDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	r.mu.Lock()
	r.cache[def.ID] = def
	r.mu.Unlock()
	return def, nil
}

// SetActive toggles whether new instances may be started from the
// definition.
func (r *DefinitionRegistry) SetActive(ctx context.Context, id string, active bool) error {
	def, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	def.Active = active
	def.UpdatedAt = time.Now().UnixMilli()
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[id] = def
	r.mu.Unlock()
	return nil
}

// validateDefinition checks identity fields and that every forward
// reference resolves to a step id within the definition.
func validateDefinition(def *types.WorkflowDefinition) error {
	if def.ID == "" {
		return &types.ValidationError{Field: "id", Reason: "definition id is required"}
	}
	if def.Name == "" {
		return &types.ValidationError{Field: "name", Reason: "definition name is required"}
	}
	if def.Version == "" {
		return &types.ValidationError{Field: "version", Reason: "definition version is required"}
	}
	if len(def.Steps) == 0 {
		return &types.ValidationError{Field: "steps", Reason: "definition must have at least one step"}
	}

	ids := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return &types.ValidationError{Field: "steps", Reason: "step id cannot be empty"}
		}
		if ids[step.ID] {
			return &types.ValidationError{Field: "steps", Reason: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		ids[step.ID] = true
		switch step.Type {
		case types.StepApproval, types.StepAction, types.StepCondition,
			types.StepNotification, types.StepParallel, types.StepWait:
		default:
			return &types.ValidationError{Field: "steps", Reason: fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type)}
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, ref := range step.Next.References() {
			if !ids[ref] {
				return &types.ValidationError{Field: "steps", Reason: fmt.Sprintf("step %q references unknown step %q", step.ID, ref)}
			}
		}
		for _, branch := range step.Branches {
			if !ids[branch] {
				return &types.ValidationError{Field: "steps", Reason: fmt.Sprintf("step %q has unknown branch %q", step.ID, branch)}
			}
		}
	}
	return nil
}

// ActionHandler executes one typed action against the instance context. It
// may mutate the context or perform a side effect.
type ActionHandler interface {
	Execute(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) error
}

// ActionHandlerFunc is a function adapter for ActionHandler.
type ActionHandlerFunc func(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) error

// Execute implements ActionHandler.
func (f ActionHandlerFunc) Execute(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) error {
	return f(ctx, config, wfctx)
}

// ActionRegistry maps action types to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionRegistry creates an empty ActionRegistry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register binds a handler to an action type.
func (r *ActionRegistry) Register(actionType string, h ActionHandler) error {
	if actionType == "" || h == nil {
		return errors.New("action type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
	return nil
}

// Get returns the handler for the action type.
func (r *ActionRegistry) Get(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// ConditionEvaluator decides a custom predicate over the instance context.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) (bool, error)
}

// ConditionEvaluatorFunc is a function adapter for ConditionEvaluator.
type ConditionEvaluatorFunc func(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) (bool, error)

// Evaluate implements ConditionEvaluator.
func (f ConditionEvaluatorFunc) Evaluate(ctx context.Context, config map[string]interface{}, wfctx *types.WorkflowContext) (bool, error) {
	return f(ctx, config, wfctx)
}

// ConditionRegistry maps custom predicate names to evaluators.
type ConditionRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]ConditionEvaluator
}

// NewConditionRegistry creates an empty ConditionRegistry.
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{evaluators: make(map[string]ConditionEvaluator)}
}

// Register binds an evaluator to a predicate name.
func (r *ConditionRegistry) Register(name string, e ConditionEvaluator) error {
	if name == "" || e == nil {
		return errors.New("name and evaluator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = e
	return nil
}

// Get returns the evaluator for the predicate name.
func (r *ConditionRegistry) Get(name string) (ConditionEvaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[name]
	return e, ok
}
