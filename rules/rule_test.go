package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/approval-engine/types"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: true,
			wantErr:    false,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: false,
			wantErr:    false,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: false,
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: false,
			wantErr:    true,
			errMsg:     "unexpected token",
		},
		{
			name:       "Nested map access",
			expression: `input.department == "engineering"`,
			context: map[string]interface{}{
				"input": map[string]interface{}{"department": "engineering"},
			},
			wantResult: true,
			wantErr:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				assert.Equal(t, tt.wantResult, result)
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
				assert.Equal(t, tt.wantResult, result, "Evaluate() result should match")
			}
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		expression := "score > 10"
		context := map[string]interface{}{"score": 15}

		result1, err1 := evaluator.Evaluate(expression, context)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate(expression, context)
		assert.NoError(t, err2)
		assert.True(t, result2)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("n == 7", map[string]interface{}{"n": 7})
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestExprEvaluator_AddOptionFunc(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("total", func(ctx map[string]interface{}) interface{} {
		a, _ := ctx["a"].(int)
		b, _ := ctx["b"].(int)
		return a + b
	})

	result, err := evaluator.Evaluate("total > 10", map[string]interface{}{"a": 6, "b": 5})
	assert.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateSet(t *testing.T) {
	evaluator := NewExprEvaluator()
	context := map[string]interface{}{"amount": 5000, "urgent": true}

	tests := []struct {
		name       string
		set        *types.ConditionSet
		wantResult bool
		wantErr    bool
	}{
		{
			name:       "Nil set is true",
			set:        nil,
			wantResult: true,
		},
		{
			name:       "Empty rules is true",
			set:        &types.ConditionSet{Mode: types.ConditionAll},
			wantResult: true,
		},
		{
			name: "All mode every rule true",
			set: &types.ConditionSet{
				Mode:  types.ConditionAll,
				Rules: []string{"amount > 1000", "urgent"},
			},
			wantResult: true,
		},
		{
			name: "All mode one rule false",
			set: &types.ConditionSet{
				Mode:  types.ConditionAll,
				Rules: []string{"amount > 1000", "amount > 10000"},
			},
			wantResult: false,
		},
		{
			name: "Empty mode defaults to all",
			set: &types.ConditionSet{
				Rules: []string{"amount > 1000"},
			},
			wantResult: true,
		},
		{
			name: "Any mode one rule true",
			set: &types.ConditionSet{
				Mode:  types.ConditionAny,
				Rules: []string{"amount > 10000", "urgent"},
			},
			wantResult: true,
		},
		{
			name: "Any mode every rule false",
			set: &types.ConditionSet{
				Mode:  types.ConditionAny,
				Rules: []string{"amount > 10000", "!urgent"},
			},
			wantResult: false,
		},
		{
			name: "Unsupported mode",
			set: &types.ConditionSet{
				Mode:  "majority",
				Rules: []string{"urgent"},
			},
			wantErr: true,
		},
		{
			name: "Rule error propagates",
			set: &types.ConditionSet{
				Mode:  types.ConditionAll,
				Rules: []string{"amount +"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EvaluateSet(evaluator, tt.set, context)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}
