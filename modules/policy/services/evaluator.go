package services

import (
	"context"
	"time"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
	"github.com/tidegrid/metacore/pkg/authz"
	"github.com/tidegrid/metacore/pkg/celcond"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// Evaluator answers allow/deny for one (principal, operation, target).
// It is fail-closed: any uncertainty (unknown operation, entitlement
// resolution failure, malformed condition, audit write failure) resolves
// to deny, never allow. Every decision is appended to the decision log.
type Evaluator struct {
	policies     ports.PolicyStore
	catalog      ports.OperationCatalog
	compiler     *PolicyCompiler
	entitlements *EntitlementCache
	ou           *OUIndex
	decisions    ports.DecisionLog
	gate         *authz.Authorizer // optional coarse module gate
	now          func() time.Time
}

func NewEvaluator(policies ports.PolicyStore, catalog ports.OperationCatalog, compiler *PolicyCompiler,
	entitlements *EntitlementCache, ou *OUIndex, decisions ports.DecisionLog, gate *authz.Authorizer) *Evaluator {
	return &Evaluator{
		policies:     policies,
		catalog:      catalog,
		compiler:     compiler,
		entitlements: entitlements,
		ou:           ou,
		decisions:    decisions,
		gate:         gate,
		now:          time.Now,
	}
}

type EvalRequest struct {
	PrincipalID     string
	OperationCode   string
	ModuleKey       string
	EntityName      string
	EntityVersionID string
	RecordID        string
	// Record is the record document: condition expressions see it under
	// ctx["record"], and the own/ou constraint checks read owner_id and
	// ou_id from it.
	Record map[string]any
}

func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, req EvalRequest) (types.Decision, error) {
	decision, matchedVersion := e.decide(ctx, tenantID, req)
	decision.EvaluatedAt = e.now().UTC()
	decision.PolicyVersionID = matchedVersion

	id, err := uuidv7.NewString()
	if err != nil {
		return deny(types.ReasonEvaluationError), err
	}
	logErr := e.decisions.Append(ctx, types.DecisionLogEntry{
		ID:              id,
		TenantID:        tenantID,
		PrincipalID:     req.PrincipalID,
		OperationCode:   req.OperationCode,
		EntityName:      req.EntityName,
		EntityVersionID: req.EntityVersionID,
		RecordID:        req.RecordID,
		Allow:           decision.Allow,
		MatchedRuleID:   decision.MatchedRuleID,
		PolicyVersionID: decision.PolicyVersionID,
		Reason:          decision.Reason,
		DecidedAt:       decision.EvaluatedAt,
	})
	if logErr != nil {
		// No decision without its audit row.
		return deny(types.ReasonEvaluationError), logErr
	}
	return decision, nil
}

func (e *Evaluator) decide(ctx context.Context, tenantID string, req EvalRequest) (types.Decision, string) {
	op, ok := e.lookupOperation(ctx, tenantID, req.OperationCode)
	if !ok {
		return deny(types.ReasonEvaluationError), ""
	}
	if op.RequiresRecord && req.RecordID == "" {
		return deny(types.ReasonRecordRequired), ""
	}
	moduleKey := req.ModuleKey
	if moduleKey == "" {
		moduleKey = op.ModuleKey
	}

	bundle, err := e.entitlements.Get(ctx, tenantID, req.PrincipalID)
	if err != nil {
		return deny(types.ReasonEvaluationError), ""
	}

	if op.RequiresOwnership && !ownsRecord(bundle.PrincipalID, req.Record) {
		return deny(types.ReasonOwnershipFailed), ""
	}

	if blocked := e.moduleGateBlocks(tenantID, moduleKey, req.OperationCode, bundle); blocked {
		return deny(types.ReasonModuleGateDenied), ""
	}

	versionID, err := e.policies.ActivePolicyVersionID(ctx, tenantID)
	if err != nil {
		return deny(types.ReasonEvaluationError), ""
	}
	table, err := e.compiler.Compile(ctx, tenantID, versionID)
	if err != nil {
		return deny(types.ReasonEvaluationError), ""
	}

	subjects, err := e.subjectRefs(ctx, tenantID, op, moduleKey, bundle, req)
	if err != nil {
		return deny(types.ReasonEvaluationError), versionID
	}

	doc := conditionDoc(tenantID, bundle, req)
	best, found, err := e.selectRule(ctx, tenantID, table, op, moduleKey, subjects, bundle, req, doc)
	if err != nil {
		return deny(types.ReasonEvaluationError), versionID
	}
	if !found {
		return deny(types.ReasonNoMatchingRule), versionID
	}
	return types.Decision{
		Allow:         best.Effect == types.EffectAllow,
		Effect:        best.Effect,
		MatchedRuleID: best.RuleID,
		Reason:        types.ReasonRuleMatched,
	}, versionID
}

// selectRule walks the scope chain from most to least specific, collecting
// every matching rule, and returns the single rule with the lowest
// priority value across the whole chain. Ties break toward the more
// specific scope, then deny, then rule ID, keeping selection deterministic.
func (e *Evaluator) selectRule(ctx context.Context, tenantID string, table types.CompiledPolicyTable,
	op types.Operation, moduleKey string, subjects []types.SubjectRef, bundle types.EntitlementSnapshot,
	req EvalRequest, doc map[string]any) (types.CompiledRule, bool, error) {

	var (
		best      types.CompiledRule
		bestScope int
		found     bool
	)
	for scopeIdx, scope := range types.ScopeChain {
		scopeKey, ok := scopeKeyFor(scope, moduleKey, req)
		if !ok {
			continue
		}
		for _, subject := range subjects {
			bucket := table.Index[types.IndexKey(scope, scopeKey, subject.Type, subject.Key)]
			for _, rule := range bucket {
				constraint, opBound := rule.Operations[op.Code]
				if !opBound {
					continue
				}
				passes, err := e.constraintHolds(ctx, tenantID, constraint, moduleKey, op, bundle, req)
				if err != nil {
					return types.CompiledRule{}, false, err
				}
				if !passes {
					continue
				}
				matched, err := celcond.EvalBool(rule.Condition, doc)
				if err != nil {
					return types.CompiledRule{}, false, err
				}
				if !matched {
					continue
				}
				if !found || lessRule(rule, scopeIdx, best, bestScope) {
					best = rule
					bestScope = scopeIdx
					found = true
				}
			}
		}
	}
	return best, found, nil
}

func lessRule(a types.CompiledRule, aScope int, b types.CompiledRule, bScope int) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if aScope != bScope {
		return aScope < bScope
	}
	if a.Effect != b.Effect {
		return a.Effect == types.EffectDeny
	}
	return a.RuleID < b.RuleID
}

func scopeKeyFor(scope types.ScopeType, moduleKey string, req EvalRequest) (string, bool) {
	switch scope {
	case types.ScopeRecord:
		return req.RecordID, req.RecordID != ""
	case types.ScopeEntityVersion:
		return req.EntityVersionID, req.EntityVersionID != ""
	case types.ScopeEntity:
		return req.EntityName, req.EntityName != ""
	case types.ScopeModule:
		return moduleKey, moduleKey != ""
	default:
		return "", true
	}
}

// subjectRefs lists the subject keys the principal carries. A persona
// counts only if one of its capabilities grants the requested operation
// and that capability's constraint holds.
func (e *Evaluator) subjectRefs(ctx context.Context, tenantID string, op types.Operation, moduleKey string,
	bundle types.EntitlementSnapshot, req EvalRequest) ([]types.SubjectRef, error) {

	granted := map[string]bool{}
	for _, grant := range bundle.Capabilities {
		if grant.OperationCode != op.Code {
			continue
		}
		holds, err := e.constraintHolds(ctx, tenantID, grant.Constraint, capModule(grant, moduleKey), op, bundle, req)
		if err != nil {
			return nil, err
		}
		if holds {
			granted[grant.PersonaSlug] = true
		}
	}

	refs := []types.SubjectRef{{Type: types.SubjectPrincipal, Key: bundle.PrincipalID}}
	for _, r := range bundle.RoleSlugs {
		refs = append(refs, types.SubjectRef{Type: types.SubjectRole, Key: r})
	}
	for _, g := range bundle.GroupIDs {
		refs = append(refs, types.SubjectRef{Type: types.SubjectGroup, Key: g})
	}
	for _, p := range bundle.PersonaSlugs {
		if granted[p] {
			refs = append(refs, types.SubjectRef{Type: types.SubjectPersona, Key: p})
		}
	}
	return refs, nil
}

func capModule(grant types.PersonaCapability, fallback string) string {
	if grant.ModuleKey != "" {
		return grant.ModuleKey
	}
	return fallback
}

func (e *Evaluator) constraintHolds(ctx context.Context, tenantID string, constraint types.ConstraintType,
	moduleKey string, op types.Operation, bundle types.EntitlementSnapshot, req EvalRequest) (bool, error) {

	switch constraint {
	case "", types.ConstraintNone:
		return true, nil
	case types.ConstraintOwn:
		return ownsRecord(bundle.PrincipalID, req.Record), nil
	case types.ConstraintOU:
		return e.ou.Within(ctx, tenantID, recordString(req.Record, "ou_id"), bundle.OUNodeID)
	case types.ConstraintModule:
		return moduleKey != "" && moduleKey == op.ModuleKey, nil
	default:
		return false, nil
	}
}

func (e *Evaluator) moduleGateBlocks(tenantID string, moduleKey string, operationCode string, bundle types.EntitlementSnapshot) bool {
	if e.gate == nil || moduleKey == "" {
		return false
	}
	domain := authz.DomainFromTenantID(tenantID)
	object := authz.ObjectFromModule(moduleKey)
	personas := bundle.PersonaSlugs
	if len(personas) == 0 {
		personas = []string{authz.PersonaAnonymous}
	}
	for _, persona := range personas {
		allowed, enforced, err := e.gate.Authorize(authz.SubjectFromPersona(persona), domain, object, operationCode)
		if err != nil {
			return true
		}
		if allowed || !enforced {
			return false
		}
	}
	return true
}

func (e *Evaluator) lookupOperation(ctx context.Context, tenantID string, code string) (types.Operation, bool) {
	operations, err := e.catalog.ListOperations(ctx, tenantID)
	if err != nil {
		return types.Operation{}, false
	}
	for _, op := range operations {
		if op.Code == code {
			return op, true
		}
	}
	return types.Operation{}, false
}

func conditionDoc(tenantID string, bundle types.EntitlementSnapshot, req EvalRequest) map[string]any {
	record := map[string]any{}
	for k, v := range req.Record {
		record[k] = v
	}
	return map[string]any{
		"tenant_id":    tenantID,
		"principal_id": bundle.PrincipalID,
		"operation":    req.OperationCode,
		"entity":       req.EntityName,
		"record_id":    req.RecordID,
		"record":       record,
	}
}

func ownsRecord(principalID string, record map[string]any) bool {
	return principalID != "" && recordString(record, "owner_id") == principalID
}

func recordString(record map[string]any, key string) string {
	if record == nil {
		return ""
	}
	s, _ := record[key].(string)
	return s
}

func deny(reason string) types.Decision {
	return types.Decision{Allow: false, Effect: types.EffectDeny, Reason: reason}
}
