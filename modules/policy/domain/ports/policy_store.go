package ports

import (
	"context"
	"errors"

	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

var (
	ErrPolicyVersionNotFound = errors.New("policy_version_not_found")
	ErrCompiledTableNotFound = errors.New("compiled_policy_not_found")
	ErrEntitlementNotCached  = errors.New("entitlement_not_cached")
	ErrNoActivePolicy        = errors.New("no_active_policy")
)

type PolicyStore interface {
	GetPolicyVersion(ctx context.Context, tenantID string, versionID string) (types.PolicyVersion, error)
	// ActivePolicyVersionID resolves the published policy version currently
	// in force for the tenant.
	ActivePolicyVersionID(ctx context.Context, tenantID string) (string, error)
}

type OperationCatalog interface {
	ListOperations(ctx context.Context, tenantID string) ([]types.Operation, error)
}

type CompiledPolicyStore interface {
	GetCompiledByVersion(ctx context.Context, tenantID string, policyVersionID string) (types.CompiledPolicyTable, error)
	// InsertCompiled persists a compiled table; on a hash collision with an
	// existing row the existing row is returned.
	InsertCompiled(ctx context.Context, table types.CompiledPolicyTable) (types.CompiledPolicyTable, error)
}

// EntitlementSource recomputes a principal's effective entitlements from
// the identity tables (role bindings, group members, OU membership,
// persona capabilities). External collaborator, read-only.
type EntitlementSource interface {
	ResolveEntitlements(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error)
	ListOUNodes(ctx context.Context, tenantID string) ([]types.OUNode, error)
}

type EntitlementCacheStore interface {
	Get(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error)
	// Upsert is insert-on-conflict-update; concurrent refreshes are
	// last-writer-wins.
	Upsert(ctx context.Context, snapshot types.EntitlementSnapshot) error
}

type DecisionLog interface {
	Append(ctx context.Context, entry types.DecisionLogEntry) error
}
