package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

// EntitlementPGStore is both the identity-table reader the cache
// recomputes from and the cache table itself.
type EntitlementPGStore struct {
	pool pgBeginner
}

func NewEntitlementPGStore(pool pgBeginner) *EntitlementPGStore {
	return &EntitlementPGStore{pool: pool}
}

var _ ports.EntitlementSource = (*EntitlementPGStore)(nil)
var _ ports.EntitlementCacheStore = (*EntitlementPGStore)(nil)

func (s *EntitlementPGStore) ResolveEntitlements(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.EntitlementSnapshot{}, err
	}

	snapshot := types.EntitlementSnapshot{TenantID: tenantID, PrincipalID: principalID}

	err = tx.QueryRow(ctx, `
SELECT COALESCE(ou_node_id::text, '')
FROM core.principal
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, principalID).Scan(&snapshot.OUNodeID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return types.EntitlementSnapshot{}, err
	}

	snapshot.RoleSlugs, err = scanStrings(tx, ctx, `
SELECT r.slug
FROM core.role_binding b
JOIN core.role r ON r.id = b.role_id
WHERE b.tenant_id = $1::uuid AND b.principal_id = $2::uuid
ORDER BY r.slug ASC
`, tenantID, principalID)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}

	snapshot.GroupIDs, err = scanStrings(tx, ctx, `
SELECT group_id::text
FROM core.group_member
WHERE tenant_id = $1::uuid AND principal_id = $2::uuid
ORDER BY group_id ASC
`, tenantID, principalID)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}

	snapshot.PersonaSlugs, err = scanStrings(tx, ctx, `
SELECT p.slug
FROM core.persona_binding b
JOIN core.persona p ON p.id = b.persona_id
WHERE b.tenant_id = $1::uuid AND b.principal_id = $2::uuid
ORDER BY p.slug ASC
`, tenantID, principalID)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}

	rows, err := tx.Query(ctx, `
SELECT p.slug, c.operation_code, c.constraint_type, COALESCE(c.module_key, '')
FROM core.persona_capability c
JOIN core.persona p ON p.id = c.persona_id
JOIN core.persona_binding b ON b.persona_id = c.persona_id
WHERE c.tenant_id = $1::uuid AND b.principal_id = $2::uuid
ORDER BY p.slug ASC, c.operation_code ASC
`, tenantID, principalID)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	for rows.Next() {
		var grant types.PersonaCapability
		if err := rows.Scan(&grant.PersonaSlug, &grant.OperationCode, &grant.Constraint, &grant.ModuleKey); err != nil {
			rows.Close()
			return types.EntitlementSnapshot{}, err
		}
		snapshot.Capabilities = append(snapshot.Capabilities, grant)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.EntitlementSnapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.EntitlementSnapshot{}, err
	}
	return snapshot, nil
}

func (s *EntitlementPGStore) ListOUNodes(ctx context.Context, tenantID string) ([]types.OUNode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, COALESCE(parent_id::text, '')
FROM core.ou_node
WHERE tenant_id = $1::uuid
ORDER BY id ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	nodes := []types.OUNode{}
	for rows.Next() {
		var n types.OUNode
		if err := rows.Scan(&n.ID, &n.ParentID); err != nil {
			rows.Close()
			return nil, err
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListGroupMembers backs the approval router's group fan-out. Members
// are returned in stable id order so serial stages assign deterministically.
func (s *EntitlementPGStore) ListGroupMembers(ctx context.Context, tenantID string, groupID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	members, err := scanStrings(tx, ctx, `
SELECT principal_id::text
FROM core.group_member
WHERE tenant_id = $1::uuid AND group_id = $2::uuid
ORDER BY principal_id ASC
`, tenantID, groupID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *EntitlementPGStore) Get(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.EntitlementSnapshot{}, err
	}

	var (
		snapshot = types.EntitlementSnapshot{TenantID: tenantID, PrincipalID: principalID}
		bundle   json.RawMessage
	)
	err = tx.QueryRow(ctx, `
SELECT bundle_json, expires_at
FROM core.entitlement_cache
WHERE tenant_id = $1::uuid AND principal_id = $2::uuid
`, tenantID, principalID).Scan(&bundle, &snapshot.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.EntitlementSnapshot{}, ports.ErrEntitlementNotCached
	}
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	if err := json.Unmarshal(bundle, &snapshot); err != nil {
		return types.EntitlementSnapshot{}, err
	}
	snapshot.TenantID = tenantID
	snapshot.PrincipalID = principalID

	if err := tx.Commit(ctx); err != nil {
		return types.EntitlementSnapshot{}, err
	}
	return snapshot, nil
}

// Upsert is last-writer-wins on (tenant_id, principal_id).
func (s *EntitlementPGStore) Upsert(ctx context.Context, snapshot types.EntitlementSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, snapshot.TenantID); err != nil {
		return err
	}

	bundle, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO core.entitlement_cache (tenant_id, principal_id, bundle_json, expires_at)
VALUES ($1::uuid, $2::uuid, $3::jsonb, $4)
ON CONFLICT (tenant_id, principal_id)
DO UPDATE SET bundle_json = EXCLUDED.bundle_json, expires_at = EXCLUDED.expires_at
`, snapshot.TenantID, snapshot.PrincipalID, bundle, snapshot.ExpiresAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanStrings(tx pgx.Tx, ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
