package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/songzhibin97/txflow-engine/types"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)

	// Check compiles a predicate over outputs without running it.
	Check(expression string) error
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

// AddOptionFunc exposes a value derived from the environment under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
	// cached programs were compiled against the old environment
	e.cache = make(map[string]*vm.Program)
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's map is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	env = e.extend(env)

	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// MatchOutput evaluates a predicate expression against an output.
func MatchOutput(ev Evaluator, expression string, out types.Output) (bool, error) {
	return ev.Evaluate(expression, OutputEnv(out))
}

// Check compiles a predicate expression against the output environment. Runtime
// failures such as out of range indexing only show up in Evaluate.
func (e *ExprEvaluator) Check(expression string) error {
	_, err := e.program(expression, e.extend(OutputEnv(types.Output{})))
	return err
}

// OutputEnv is the environment predicate expressions see for an output.
func OutputEnv(out types.Output) map[string]interface{} {
	return map[string]interface{}{
		"address":   out.Address,
		"amount":    out.Amount,
		"index":     int(out.OutPoint.Index),
		"datum":     string(out.Datum),
		"datum_hex": out.DatumHex(),
		"tx_hash":   out.OutPoint.Hash.String(),
	}
}

func (e *ExprEvaluator) extend(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.optionsFunc) == 0 {
		return env
	}
	out := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		out[k] = v
	}
	for k, f := range e.optionsFunc {
		out[k] = f(env)
	}
	return out
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
