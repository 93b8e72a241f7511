package workflow

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator evaluates node condition strings against the
// instance's context bag. Conditions are boolean expr expressions, e.g.
//
//	input.amount > 1000 && validate.ok
//
// Undefined variables evaluate to nil rather than failing, so conditions
// can reference nodes that were skipped. Compiled programs are cached by
// expression text.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Validate compiles the condition without running it. Used at definition
// creation so a broken expression fails fast instead of at dispatch time.
func (c *ConditionEvaluator) Validate(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := c.program(condition)
	if err != nil {
		return WrapError(KindValidation, "invalid condition expression", err).WithCode("condition_syntax")
	}
	return nil
}

// Evaluate runs the condition against env. An empty condition is true.
func (c *ConditionEvaluator) Evaluate(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	program, err := c.program(condition)
	if err != nil {
		return false, WrapError(KindValidation, "invalid condition expression", err).WithCode("condition_syntax")
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, WrapError(KindValidation, "condition evaluation failed", err).WithCode("condition_eval")
	}
	b, ok := out.(bool)
	if !ok {
		return false, Errorf(KindValidation, "condition %q did not evaluate to a boolean", condition).WithCode("condition_type")
	}
	return b, nil
}

func (c *ConditionEvaluator) program(condition string) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.cache[condition]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(condition, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[condition] = p
	c.mu.Unlock()
	return p, nil
}
