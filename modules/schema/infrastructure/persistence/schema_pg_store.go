package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tidegrid/metacore/modules/schema/domain/ports"
	"github.com/tidegrid/metacore/modules/schema/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SchemaPGStore struct {
	pool pgBeginner
}

func NewSchemaPGStore(pool pgBeginner) *SchemaPGStore {
	return &SchemaPGStore{pool: pool}
}

var _ ports.SchemaStore = (*SchemaPGStore)(nil)
var _ ports.SnapshotStore = (*SchemaPGStore)(nil)

func (s *SchemaPGStore) GetEntityVersion(ctx context.Context, tenantID string, versionID string) (types.EntityVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.EntityVersion{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.EntityVersion{}, err
	}

	var (
		version   types.EntityVersion
		fields    json.RawMessage
		relations json.RawMessage
		indexes   json.RawMessage
	)
	err = tx.QueryRow(ctx, `
SELECT v.id, v.entity_id, e.name, v.version_no, v.status,
       COALESCE(v.fields_json, '[]'::jsonb),
       COALESCE(v.relations_json, '[]'::jsonb),
       COALESCE(v.indexes_json, '[]'::jsonb),
       v.created_at
FROM core.entity_version v
JOIN core.entity e ON e.id = v.entity_id
WHERE v.tenant_id = $1::uuid AND v.id = $2::uuid
`, tenantID, versionID).Scan(&version.ID, &version.EntityID, &version.EntityName, &version.VersionNo,
		&version.Status, &fields, &relations, &indexes, &version.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.EntityVersion{}, ports.ErrVersionNotFound
	}
	if err != nil {
		return types.EntityVersion{}, err
	}
	if err := json.Unmarshal(fields, &version.Fields); err != nil {
		return types.EntityVersion{}, err
	}
	if err := json.Unmarshal(relations, &version.Relations); err != nil {
		return types.EntityVersion{}, err
	}
	if err := json.Unmarshal(indexes, &version.Indexes); err != nil {
		return types.EntityVersion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.EntityVersion{}, err
	}
	return version, nil
}

func (s *SchemaPGStore) ListActiveOverlays(ctx context.Context, tenantID string, entityID string, versionID string) ([]types.Overlay, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, name, base_entity_id, COALESCE(base_version_id::text, ''), priority, conflict_mode, created_at
FROM core.entity_overlay
WHERE tenant_id = $1::uuid
  AND base_entity_id = $2::uuid
  AND is_active
  AND (base_version_id IS NULL OR base_version_id = $3::uuid)
ORDER BY priority ASC, created_at ASC, id ASC
`, tenantID, entityID, versionID)
	if err != nil {
		return nil, err
	}
	overlays := []types.Overlay{}
	for rows.Next() {
		ov := types.Overlay{TenantID: tenantID, Active: true}
		if err := rows.Scan(&ov.ID, &ov.Name, &ov.BaseEntityID, &ov.BaseVersionID, &ov.Priority, &ov.ConflictMode, &ov.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		overlays = append(overlays, ov)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range overlays {
		changeRows, err := tx.Query(ctx, `
SELECT id, change_order, kind, payload
FROM core.entity_overlay_change
WHERE tenant_id = $1::uuid AND overlay_id = $2::uuid
ORDER BY change_order ASC
`, tenantID, overlays[i].ID)
		if err != nil {
			return nil, err
		}
		for changeRows.Next() {
			ch := types.OverlayChange{OverlayID: overlays[i].ID}
			if err := changeRows.Scan(&ch.ID, &ch.ChangeOrder, &ch.Kind, &ch.Payload); err != nil {
				changeRows.Close()
				return nil, err
			}
			overlays[i].Changes = append(overlays[i].Changes, ch)
		}
		changeRows.Close()
		if err := changeRows.Err(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return overlays, nil
}

func (s *SchemaPGStore) GetSnapshotByHash(ctx context.Context, tenantID string, hash string) (types.CompiledEntitySnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}

	snap, err := scanSnapshot(tx, ctx, tenantID, hash)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	return snap, nil
}

// InsertSnapshot is idempotent under concurrent identical compiles:
// ON CONFLICT (tenant_id, compiled_hash) DO NOTHING, then read back the
// winning row inside the same transaction.
func (s *SchemaPGStore) InsertSnapshot(ctx context.Context, snapshot types.CompiledEntitySnapshot) (types.CompiledEntitySnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, snapshot.TenantID); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}

	overlayIDs, err := json.Marshal(snapshot.OverlayIDs)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO core.entity_compiled (id, tenant_id, entity_version_id, overlay_ids, compiled_json, compiled_hash, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::jsonb, $5::jsonb, $6, $7)
ON CONFLICT (tenant_id, compiled_hash) DO NOTHING
`, snapshot.ID, snapshot.TenantID, snapshot.EntityVersionID, overlayIDs, snapshot.CompiledJSON, snapshot.Hash, snapshot.CreatedAt); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}

	snap, err := scanSnapshot(tx, ctx, snapshot.TenantID, snapshot.Hash)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	return snap, nil
}

func scanSnapshot(tx pgx.Tx, ctx context.Context, tenantID string, hash string) (types.CompiledEntitySnapshot, error) {
	var (
		snap       types.CompiledEntitySnapshot
		overlayIDs json.RawMessage
	)
	err := tx.QueryRow(ctx, `
SELECT id, entity_version_id, overlay_ids, compiled_json, compiled_hash, created_at
FROM core.entity_compiled
WHERE tenant_id = $1::uuid AND compiled_hash = $2
`, tenantID, hash).Scan(&snap.ID, &snap.EntityVersionID, &overlayIDs, &snap.CompiledJSON, &snap.Hash, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CompiledEntitySnapshot{}, ports.ErrSnapshotNotFound
	}
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	snap.TenantID = tenantID
	if err := json.Unmarshal(overlayIDs, &snap.OverlayIDs); err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	return snap, nil
}
