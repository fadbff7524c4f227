package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PolicyPGStore reads policy versions, rules and the operation catalog,
// and persists compiled policy tables.
type PolicyPGStore struct {
	pool pgBeginner
}

func NewPolicyPGStore(pool pgBeginner) *PolicyPGStore {
	return &PolicyPGStore{pool: pool}
}

var _ ports.PolicyStore = (*PolicyPGStore)(nil)
var _ ports.OperationCatalog = (*PolicyPGStore)(nil)
var _ ports.CompiledPolicyStore = (*PolicyPGStore)(nil)

func (s *PolicyPGStore) GetPolicyVersion(ctx context.Context, tenantID string, versionID string) (types.PolicyVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.PolicyVersion{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.PolicyVersion{}, err
	}

	var version types.PolicyVersion
	err = tx.QueryRow(ctx, `
SELECT id, policy_id, version_no, status, created_at
FROM core.permission_policy_version
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, versionID).Scan(&version.ID, &version.PolicyID, &version.VersionNo, &version.Status, &version.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.PolicyVersion{}, ports.ErrPolicyVersionNotFound
	}
	if err != nil {
		return types.PolicyVersion{}, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, scope_type, scope_key, subject_type, subject_key, effect, priority, COALESCE(condition, ''), operations
FROM core.permission_rule
WHERE tenant_id = $1::uuid AND policy_version_id = $2::uuid
ORDER BY priority ASC, id ASC
`, tenantID, versionID)
	if err != nil {
		return types.PolicyVersion{}, err
	}
	for rows.Next() {
		var (
			rule types.PermissionRule
			ops  json.RawMessage
		)
		if err := rows.Scan(&rule.ID, &rule.ScopeType, &rule.ScopeKey, &rule.SubjectType, &rule.SubjectKey,
			&rule.Effect, &rule.Priority, &rule.Condition, &ops); err != nil {
			rows.Close()
			return types.PolicyVersion{}, err
		}
		if err := json.Unmarshal(ops, &rule.Operations); err != nil {
			rows.Close()
			return types.PolicyVersion{}, err
		}
		version.Rules = append(version.Rules, rule)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.PolicyVersion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.PolicyVersion{}, err
	}
	return version, nil
}

func (s *PolicyPGStore) ActivePolicyVersionID(ctx context.Context, tenantID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return "", err
	}

	var versionID string
	err = tx.QueryRow(ctx, `
SELECT v.id
FROM core.permission_policy p
JOIN core.permission_policy_version v ON v.id = p.active_version_id
WHERE p.tenant_id = $1::uuid AND v.status = 'published'
ORDER BY v.version_no DESC
LIMIT 1
`, tenantID).Scan(&versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ports.ErrNoActivePolicy
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return versionID, nil
}

func (s *PolicyPGStore) ListOperations(ctx context.Context, tenantID string) ([]types.Operation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT code, category_code, COALESCE(module_key, ''), requires_record, requires_ownership
FROM core.operation
WHERE tenant_id = $1::uuid
ORDER BY code ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	operations := []types.Operation{}
	for rows.Next() {
		var op types.Operation
		if err := rows.Scan(&op.Code, &op.CategoryCode, &op.ModuleKey, &op.RequiresRecord, &op.RequiresOwnership); err != nil {
			rows.Close()
			return nil, err
		}
		operations = append(operations, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return operations, nil
}

func (s *PolicyPGStore) GetCompiledByVersion(ctx context.Context, tenantID string, policyVersionID string) (types.CompiledPolicyTable, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.CompiledPolicyTable{}, err
	}

	table, err := scanCompiledTable(tx, ctx, tenantID, policyVersionID)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.CompiledPolicyTable{}, err
	}
	return table, nil
}

// InsertCompiled is idempotent by content hash: ON CONFLICT
// (tenant_id, policy_version_id) DO NOTHING, then read back whichever row
// won inside the same transaction.
func (s *PolicyPGStore) InsertCompiled(ctx context.Context, table types.CompiledPolicyTable) (types.CompiledPolicyTable, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, table.TenantID); err != nil {
		return types.CompiledPolicyTable{}, err
	}

	index, err := table.MarshalIndex()
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO core.permission_policy_compiled (id, tenant_id, policy_version_id, compiled_hash, index_json, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5::jsonb, $6)
ON CONFLICT (tenant_id, policy_version_id) DO NOTHING
`, table.ID, table.TenantID, table.PolicyVersionID, table.Hash, index, table.CreatedAt); err != nil {
		return types.CompiledPolicyTable{}, err
	}

	stored, err := scanCompiledTable(tx, ctx, table.TenantID, table.PolicyVersionID)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.CompiledPolicyTable{}, err
	}
	return stored, nil
}

func scanCompiledTable(tx pgx.Tx, ctx context.Context, tenantID string, policyVersionID string) (types.CompiledPolicyTable, error) {
	var (
		table types.CompiledPolicyTable
		index json.RawMessage
	)
	err := tx.QueryRow(ctx, `
SELECT id, compiled_hash, index_json, created_at
FROM core.permission_policy_compiled
WHERE tenant_id = $1::uuid AND policy_version_id = $2::uuid
`, tenantID, policyVersionID).Scan(&table.ID, &table.Hash, &index, &table.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CompiledPolicyTable{}, ports.ErrCompiledTableNotFound
	}
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	table.TenantID = tenantID
	table.PolicyVersionID = policyVersionID
	table.Index, err = types.UnmarshalIndex(index)
	if err != nil {
		return types.CompiledPolicyTable{}, err
	}
	return table, nil
}
