package workflow

import "errors"

// Standard error definitions
var (
	ErrDefinitionInactive = errors.New("workflow definition is inactive")
	ErrEngineStopped      = errors.New("engine is stopped")
	ErrNoSteps            = errors.New("workflow has no steps")
	ErrActionNotFound     = errors.New("action handler not registered")
	ErrEvaluatorNotFound  = errors.New("condition evaluator not registered")
	ErrTemplateNotFound   = errors.New("workflow template not found")
	ErrNotApprovalStep    = errors.New("current step is not an approval step")
)
