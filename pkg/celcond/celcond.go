// Package celcond evaluates the CEL condition expressions carried by
// permission rules, lifecycle bindings, transition gates, and approval
// routing rules. Expressions see a single variable `ctx`, a map holding
// the record document plus evaluation context.
package celcond

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var programCache sync.Map

// EvalBool compiles (or loads from cache) the expression and evaluates it
// against doc. An empty expression is a condition that always holds.
func EvalBool(expr string, doc map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	program, err := loadOrCompile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": doc})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("celcond: expression did not produce bool")
	}
	return v, nil
}

// Validate compiles the expression without evaluating it. Compilers call
// this so malformed conditions fail at compile time, not at use time.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	_, err := loadOrCompile(expr)
	return err
}

func loadOrCompile(expr string) (cel.Program, error) {
	if cached, ok := programCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("celcond: expression output type must be bool")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache.Store(expr, program)
	return program, nil
}
