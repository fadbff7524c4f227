package services

import (
	"context"
	"sort"
	"time"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
	"github.com/tidegrid/metacore/pkg/celcond"
	"github.com/tidegrid/metacore/pkg/contenthash"
	"github.com/tidegrid/metacore/pkg/enginerr"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// PolicyCompiler turns one published policy version into a content-hashed
// decision table. Compilation is all-or-nothing: one malformed rule aborts
// the whole compile and nothing is persisted.
type PolicyCompiler struct {
	policies ports.PolicyStore
	catalog  ports.OperationCatalog
	compiled ports.CompiledPolicyStore
}

func NewPolicyCompiler(policies ports.PolicyStore, catalog ports.OperationCatalog, compiled ports.CompiledPolicyStore) *PolicyCompiler {
	return &PolicyCompiler{policies: policies, catalog: catalog, compiled: compiled}
}

func (c *PolicyCompiler) Compile(ctx context.Context, tenantID string, policyVersionID string) (types.CompiledPolicyTable, error) {
	version, err := c.policies.GetPolicyVersion(ctx, tenantID, policyVersionID)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	if version.Status != types.PolicyPublished {
		return types.CompiledPolicyTable{}, enginerr.NewPolicyNotPublished(version.ID, string(version.Status))
	}

	operations, err := c.catalog.ListOperations(ctx, tenantID)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	known := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		known[op.Code] = struct{}{}
	}

	index, err := buildRuleIndex(version.Rules, known)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}

	hash, err := contenthash.Sum(tenantID, version.ID, version.Rules)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	if existing, err := c.compiled.GetCompiledByVersion(ctx, tenantID, version.ID); err == nil && existing.Hash == hash {
		return existing, nil
	} else if err != nil && err != ports.ErrCompiledTableNotFound {
		return types.CompiledPolicyTable{}, err
	}

	id, err := uuidv7.NewString()
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	return c.compiled.InsertCompiled(ctx, types.CompiledPolicyTable{
		ID:              id,
		TenantID:        tenantID,
		PolicyVersionID: version.ID,
		Hash:            hash,
		Index:           index,
		CreatedAt:       time.Now().UTC(),
	})
}

func buildRuleIndex(rules []types.PermissionRule, knownOps map[string]struct{}) (map[string][]types.CompiledRule, error) {
	index := map[string][]types.CompiledRule{}
	for _, rule := range rules {
		if err := validateRule(rule, knownOps); err != nil {
			return nil, err
		}
		ops := make(map[string]types.ConstraintType, len(rule.Operations))
		for _, op := range rule.Operations {
			constraint := op.Constraint
			if constraint == "" {
				constraint = types.ConstraintNone
			}
			ops[op.OperationCode] = constraint
		}
		key := types.IndexKey(rule.ScopeType, rule.ScopeKey, rule.SubjectType, rule.SubjectKey)
		index[key] = append(index[key], types.CompiledRule{
			RuleID:     rule.ID,
			Effect:     rule.Effect,
			Priority:   rule.Priority,
			Condition:  rule.Condition,
			Operations: ops,
		})
	}
	for key := range index {
		bucket := index[key]
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].Priority != bucket[j].Priority {
				return bucket[i].Priority < bucket[j].Priority
			}
			return bucket[i].RuleID < bucket[j].RuleID
		})
		index[key] = bucket
	}
	return index, nil
}

func validateRule(rule types.PermissionRule, knownOps map[string]struct{}) error {
	switch rule.ScopeType {
	case types.ScopeGlobal, types.ScopeModule, types.ScopeEntity, types.ScopeEntityVersion, types.ScopeRecord:
	default:
		return enginerr.NewValidation("rule %s: unknown scope type %q", rule.ID, rule.ScopeType)
	}
	if rule.ScopeType != types.ScopeGlobal && rule.ScopeKey == "" {
		return enginerr.NewValidation("rule %s: scope %s requires a scope key", rule.ID, rule.ScopeType)
	}
	switch rule.SubjectType {
	case types.SubjectPrincipal, types.SubjectRole, types.SubjectGroup, types.SubjectPersona:
	default:
		return enginerr.NewValidation("rule %s: unknown subject type %q", rule.ID, rule.SubjectType)
	}
	if rule.SubjectKey == "" {
		return enginerr.NewValidation("rule %s: subject key required", rule.ID)
	}
	if rule.Effect != types.EffectAllow && rule.Effect != types.EffectDeny {
		return enginerr.NewValidation("rule %s: unknown effect %q", rule.ID, rule.Effect)
	}
	if len(rule.Operations) == 0 {
		return enginerr.NewValidation("rule %s: at least one operation required", rule.ID)
	}
	for _, op := range rule.Operations {
		if _, ok := knownOps[op.OperationCode]; !ok {
			return enginerr.NewValidation("rule %s: unknown operation %q", rule.ID, op.OperationCode)
		}
		switch op.Constraint {
		case "", types.ConstraintNone, types.ConstraintOwn, types.ConstraintOU, types.ConstraintModule:
		default:
			return enginerr.NewValidation("rule %s: unknown constraint %q", rule.ID, op.Constraint)
		}
	}
	if err := celcond.Validate(rule.Condition); err != nil {
		return enginerr.NewValidation("rule %s: bad condition: %v", rule.ID, err)
	}
	return nil
}
