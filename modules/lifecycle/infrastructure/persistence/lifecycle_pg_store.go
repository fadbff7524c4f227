package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	"github.com/tidegrid/metacore/modules/lifecycle/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type LifecyclePGStore struct {
	pool pgBeginner
}

func NewLifecyclePGStore(pool pgBeginner) *LifecyclePGStore {
	return &LifecyclePGStore{pool: pool}
}

var _ ports.DefinitionStore = (*LifecyclePGStore)(nil)
var _ ports.InstanceStore = (*LifecyclePGStore)(nil)
var _ ports.EventLog = (*LifecyclePGStore)(nil)

func (s *LifecyclePGStore) GetLifecycle(ctx context.Context, tenantID string, lifecycleID string) (types.Lifecycle, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Lifecycle{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Lifecycle{}, err
	}

	lc := types.Lifecycle{TenantID: tenantID}
	err = tx.QueryRow(ctx, `
SELECT id, name, version_no, initial_state_id
FROM core.lifecycle
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, lifecycleID).Scan(&lc.ID, &lc.Name, &lc.VersionNo, &lc.InitialStateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Lifecycle{}, ports.ErrLifecycleNotFound
	}
	if err != nil {
		return types.Lifecycle{}, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, code, is_terminal
FROM core.lifecycle_state
WHERE tenant_id = $1::uuid AND lifecycle_id = $2::uuid
ORDER BY code ASC
`, tenantID, lifecycleID)
	if err != nil {
		return types.Lifecycle{}, err
	}
	for rows.Next() {
		var st types.State
		if err := rows.Scan(&st.ID, &st.Code, &st.IsTerminal); err != nil {
			rows.Close()
			return types.Lifecycle{}, err
		}
		lc.States = append(lc.States, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Lifecycle{}, err
	}

	rows, err = tx.Query(ctx, `
SELECT id, from_state_id, to_state_id, operation_code,
       COALESCE(required_operations, '{}'),
       COALESCE(gate_condition, ''), COALESCE(threshold_module, ''),
       COALESCE(approval_template_id::text, ''), COALESCE(reject_state_id::text, '')
FROM core.lifecycle_transition
WHERE tenant_id = $1::uuid AND lifecycle_id = $2::uuid
ORDER BY id ASC
`, tenantID, lifecycleID)
	if err != nil {
		return types.Lifecycle{}, err
	}
	for rows.Next() {
		var (
			tr   types.Transition
			gate types.TransitionGate
		)
		if err := rows.Scan(&tr.ID, &tr.FromStateID, &tr.ToStateID, &tr.OperationCode,
			&gate.RequiredOperations, &gate.Condition, &gate.ThresholdModule,
			&gate.ApprovalTemplateID, &gate.RejectStateID); err != nil {
			rows.Close()
			return types.Lifecycle{}, err
		}
		if len(gate.RequiredOperations) > 0 || gate.Condition != "" || gate.ThresholdModule != "" ||
			gate.ApprovalTemplateID != "" || gate.RejectStateID != "" {
			tr.Gate = &gate
		}
		lc.Transitions = append(lc.Transitions, tr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Lifecycle{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Lifecycle{}, err
	}
	return lc, nil
}

func (s *LifecyclePGStore) ListBindings(ctx context.Context, tenantID string, entityName string) ([]types.Binding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, lifecycle_id, priority, COALESCE(condition, '')
FROM core.entity_lifecycle_binding
WHERE tenant_id = $1::uuid AND entity_name = $2
ORDER BY priority DESC, id ASC
`, tenantID, entityName)
	if err != nil {
		return nil, err
	}
	bindings := []types.Binding{}
	for rows.Next() {
		b := types.Binding{TenantID: tenantID, EntityName: entityName}
		if err := rows.Scan(&b.ID, &b.LifecycleID, &b.Priority, &b.Condition); err != nil {
			rows.Close()
			return nil, err
		}
		bindings = append(bindings, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bindings, nil
}

func (s *LifecyclePGStore) GetInstance(ctx context.Context, tenantID string, entityName string, recordID string) (types.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Instance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Instance{}, err
	}

	instance, err := scanInstance(tx, ctx, tenantID, `
SELECT id, entity_name, record_id, lifecycle_id, state_id, version,
       COALESCE(pending_approval_id::text, ''), COALESCE(pending_transition_id::text, ''),
       created_at, updated_at
FROM core.entity_lifecycle_instance
WHERE tenant_id = $1::uuid AND entity_name = $2 AND record_id = $3
`, tenantID, entityName, recordID)
	if err != nil {
		return types.Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Instance{}, err
	}
	return instance, nil
}

func (s *LifecyclePGStore) GetInstanceByApproval(ctx context.Context, tenantID string, approvalID string) (types.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Instance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Instance{}, err
	}

	instance, err := scanInstance(tx, ctx, tenantID, `
SELECT id, entity_name, record_id, lifecycle_id, state_id, version,
       COALESCE(pending_approval_id::text, ''), COALESCE(pending_transition_id::text, ''),
       created_at, updated_at
FROM core.entity_lifecycle_instance
WHERE tenant_id = $1::uuid AND pending_approval_id = $2::uuid
`, tenantID, approvalID)
	if err != nil {
		return types.Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Instance{}, err
	}
	return instance, nil
}

// CreateInstance is race-safe for lazy creation: ON CONFLICT
// (tenant_id, entity_name, record_id) DO NOTHING, then read back the
// winning row inside the same transaction.
func (s *LifecyclePGStore) CreateInstance(ctx context.Context, instance types.Instance) (types.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Instance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, instance.TenantID); err != nil {
		return types.Instance{}, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO core.entity_lifecycle_instance
  (id, tenant_id, entity_name, record_id, lifecycle_id, state_id, version, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5::uuid, $6::uuid, $7, $8, $9)
ON CONFLICT (tenant_id, entity_name, record_id) DO NOTHING
`, instance.ID, instance.TenantID, instance.EntityName, instance.RecordID,
		instance.LifecycleID, instance.StateID, instance.Version, instance.CreatedAt, instance.UpdatedAt); err != nil {
		return types.Instance{}, err
	}

	stored, err := scanInstance(tx, ctx, instance.TenantID, `
SELECT id, entity_name, record_id, lifecycle_id, state_id, version,
       COALESCE(pending_approval_id::text, ''), COALESCE(pending_transition_id::text, ''),
       created_at, updated_at
FROM core.entity_lifecycle_instance
WHERE tenant_id = $1::uuid AND entity_name = $2 AND record_id = $3
`, instance.TenantID, instance.EntityName, instance.RecordID)
	if err != nil {
		return types.Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Instance{}, err
	}
	return stored, nil
}

// UpdateInstance is the optimistic-concurrency write: the version guard
// in the WHERE clause makes read-validate-write safe under concurrency.
func (s *LifecyclePGStore) UpdateInstance(ctx context.Context, instance types.Instance, expectedVersion int64) (types.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Instance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, instance.TenantID); err != nil {
		return types.Instance{}, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE core.entity_lifecycle_instance
SET state_id = $1::uuid,
    pending_approval_id = NULLIF($2, '')::uuid,
    pending_transition_id = NULLIF($3, '')::uuid,
    version = version + 1,
    updated_at = now()
WHERE tenant_id = $4::uuid AND id = $5::uuid AND version = $6
`, instance.StateID, instance.PendingApprovalID, instance.PendingTransitionID,
		instance.TenantID, instance.ID, expectedVersion)
	if err != nil {
		return types.Instance{}, err
	}
	if tag.RowsAffected() == 0 {
		return types.Instance{}, ports.ErrVersionConflict
	}

	stored, err := scanInstance(tx, ctx, instance.TenantID, `
SELECT id, entity_name, record_id, lifecycle_id, state_id, version,
       COALESCE(pending_approval_id::text, ''), COALESCE(pending_transition_id::text, ''),
       created_at, updated_at
FROM core.entity_lifecycle_instance
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, instance.TenantID, instance.ID)
	if err != nil {
		return types.Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Instance{}, err
	}
	return stored, nil
}

func (s *LifecyclePGStore) Append(ctx context.Context, event types.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, event.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO core.entity_lifecycle_event
  (id, tenant_id, instance_id, entity_name, record_id, from_state_id, to_state_id,
   operation_code, actor_id, outcome, detail, occurred_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5,
        NULLIF($6, '')::uuid, NULLIF($7, '')::uuid,
        $8, NULLIF($9, ''), $10, $11, $12)
`, event.ID, event.TenantID, event.InstanceID, event.EntityName, event.RecordID,
		event.FromStateID, event.ToStateID, event.OperationCode, event.ActorID,
		event.Outcome, event.Detail, event.OccurredAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanInstance(tx pgx.Tx, ctx context.Context, tenantID string, sql string, args ...any) (types.Instance, error) {
	instance := types.Instance{TenantID: tenantID}
	err := tx.QueryRow(ctx, sql, args...).Scan(&instance.ID, &instance.EntityName, &instance.RecordID,
		&instance.LifecycleID, &instance.StateID, &instance.Version,
		&instance.PendingApprovalID, &instance.PendingTransitionID,
		&instance.CreatedAt, &instance.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Instance{}, ports.ErrInstanceNotFound
	}
	if err != nil {
		return types.Instance{}, err
	}
	return instance, nil
}
