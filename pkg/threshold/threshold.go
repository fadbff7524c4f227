// Package threshold evaluates transition-gate threshold rules. A threshold
// rule is a Rego module in package `threshold` whose `allow` rule decides
// whether the record passes (amount ceilings and the like). The record
// document is the Rego input.
package threshold

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

const query = "data.threshold.allow"

var preparedCache sync.Map

// Eval runs one threshold module against the record document. A missing or
// non-boolean allow decision fails closed.
func Eval(ctx context.Context, module string, doc map[string]any) (bool, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return true, nil
	}
	pq, err := loadOrPrepare(ctx, module)
	if err != nil {
		return false, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, errors.New("threshold: allow is not a boolean")
	}
	return allowed, nil
}

// Validate prepares the module without evaluating it, so malformed
// threshold rules are rejected when the gate is compiled.
func Validate(ctx context.Context, module string) error {
	module = strings.TrimSpace(module)
	if module == "" {
		return nil
	}
	_, err := loadOrPrepare(ctx, module)
	return err
}

func loadOrPrepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	if cached, ok := preparedCache.Load(module); ok {
		return cached.(rego.PreparedEvalQuery), nil
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("threshold.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}
	preparedCache.Store(module, pq)
	return pq, nil
}
