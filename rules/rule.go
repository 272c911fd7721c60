package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"

	"github.com/songzhibin97/approval-engine/types"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a helper injected into every evaluation context.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// Returns false and an error if compilation, execution, or type assertion fails.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	e.mu.RLock()
	for k, v := range e.optionsFunc {
		context[k] = v(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// EvaluateSet combines the rules of a condition set: "all" requires every
// rule true, "any" requires at least one. "custom" is dispatched by the
// caller through its evaluator registry, not here.
func EvaluateSet(e Evaluator, set *types.ConditionSet, context map[string]interface{}) (bool, error) {
	if set == nil || len(set.Rules) == 0 {
		return true, nil
	}
	switch set.Mode {
	case types.ConditionAny:
		for _, rule := range set.Rules {
			ok, err := e.Evaluate(rule, context)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case types.ConditionAll, "":
		for _, rule := range set.Rules {
			ok, err := e.Evaluate(rule, context)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported condition mode %q", set.Mode)
	}
}
