package types

import "time"

type ScopeType string

const (
	ScopeGlobal        ScopeType = "global"
	ScopeModule        ScopeType = "module"
	ScopeEntity        ScopeType = "entity"
	ScopeEntityVersion ScopeType = "entity_version"
	ScopeRecord        ScopeType = "record"
)

// ScopeChain is the candidate scope order the evaluator walks, most
// specific first.
var ScopeChain = []ScopeType{ScopeRecord, ScopeEntityVersion, ScopeEntity, ScopeModule, ScopeGlobal}

type SubjectType string

const (
	SubjectPrincipal SubjectType = "principal"
	SubjectRole      SubjectType = "role"
	SubjectGroup     SubjectType = "group"
	SubjectPersona   SubjectType = "persona"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type PolicyStatus string

const (
	PolicyDraft     PolicyStatus = "draft"
	PolicyPublished PolicyStatus = "published"
	PolicyArchived  PolicyStatus = "archived"
)

type PermissionPolicy struct {
	ID       string
	TenantID string
	Name     string
}

// PolicyVersion is an immutable, ordered, published set of rules.
type PolicyVersion struct {
	ID        string
	PolicyID  string
	VersionNo int
	Status    PolicyStatus
	Rules     []PermissionRule
	CreatedAt time.Time
}

// PermissionRule is one scoped, prioritized allow/deny statement. Lower
// Priority means higher precedence. Condition is a CEL expression over the
// record document; empty means unconditional.
type PermissionRule struct {
	ID          string
	ScopeType   ScopeType
	ScopeKey    string
	SubjectType SubjectType
	SubjectKey  string
	Effect      Effect
	Priority    int
	Condition   string
	Operations  []RuleOperation
}

// RuleOperation binds a rule to one operation, optionally narrowing it
// with a per-operation constraint.
type RuleOperation struct {
	OperationCode string
	Constraint    ConstraintType
}
