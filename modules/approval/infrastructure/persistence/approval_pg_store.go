package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tidegrid/metacore/modules/approval/domain/ports"
	"github.com/tidegrid/metacore/modules/approval/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ApprovalPGStore struct {
	pool pgBeginner
}

func NewApprovalPGStore(pool pgBeginner) *ApprovalPGStore {
	return &ApprovalPGStore{pool: pool}
}

var _ ports.TemplateStore = (*ApprovalPGStore)(nil)
var _ ports.ApprovalStore = (*ApprovalPGStore)(nil)

func (s *ApprovalPGStore) GetTemplate(ctx context.Context, tenantID string, templateID string) (types.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Template{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Template{}, err
	}

	template := types.Template{TenantID: tenantID}
	err = tx.QueryRow(ctx, `
SELECT id, name, version_no
FROM core.approval_template
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, templateID).Scan(&template.ID, &template.Name, &template.VersionNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Template{}, ports.ErrTemplateNotFound
	}
	if err != nil {
		return types.Template{}, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, stage_no, mode, approvals_required, reject_ends_stage,
       COALESCE(reminder_after_seconds, 0), COALESCE(expire_after_seconds, 0)
FROM core.approval_template_stage
WHERE tenant_id = $1::uuid AND template_id = $2::uuid
ORDER BY stage_no ASC
`, tenantID, templateID)
	if err != nil {
		return types.Template{}, err
	}
	for rows.Next() {
		var (
			stage            types.TemplateStage
			reminder, expire int64
		)
		if err := rows.Scan(&stage.ID, &stage.StageNo, &stage.Mode, &stage.ApprovalsRequired,
			&stage.RejectEndsStage, &reminder, &expire); err != nil {
			rows.Close()
			return types.Template{}, err
		}
		stage.ReminderAfter = time.Duration(reminder) * time.Second
		stage.ExpireAfter = time.Duration(expire) * time.Second
		template.Stages = append(template.Stages, stage)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Template{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Template{}, err
	}
	return template, nil
}

func (s *ApprovalPGStore) ListRoutingRules(ctx context.Context, tenantID string, templateStageID string) ([]types.RoutingRule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, priority, COALESCE(condition, ''), assignee_kind, assignee_id, version_no
FROM core.approval_routing_rule
WHERE tenant_id = $1::uuid AND template_stage_id = $2::uuid
ORDER BY priority ASC, id ASC
`, tenantID, templateStageID)
	if err != nil {
		return nil, err
	}
	rules := []types.RoutingRule{}
	for rows.Next() {
		rule := types.RoutingRule{StageID: templateStageID}
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.Condition,
			&rule.Assignee.Kind, &rule.Assignee.ID, &rule.VersionNo); err != nil {
			rows.Close()
			return nil, err
		}
		rules = append(rules, rule)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *ApprovalPGStore) CreateInstance(ctx context.Context, instance types.Instance) error {
	recordCtx, err := json.Marshal(instance.RecordCtx)
	if err != nil {
		return err
	}
	return s.exec(ctx, instance.TenantID, `
INSERT INTO core.approval_instance
  (id, tenant_id, template_id, status, current_stage_no, record_ctx, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6::jsonb, $7, $8)
`, instance.ID, instance.TenantID, instance.TemplateID, instance.Status,
		instance.CurrentStageNo, recordCtx, instance.CreatedAt, instance.UpdatedAt)
}

func (s *ApprovalPGStore) GetInstance(ctx context.Context, tenantID string, instanceID string) (types.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Instance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Instance{}, err
	}

	var (
		instance  = types.Instance{TenantID: tenantID}
		recordCtx json.RawMessage
	)
	err = tx.QueryRow(ctx, `
SELECT id, template_id, status, current_stage_no, record_ctx, created_at, updated_at
FROM core.approval_instance
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, instanceID).Scan(&instance.ID, &instance.TemplateID, &instance.Status,
		&instance.CurrentStageNo, &recordCtx, &instance.CreatedAt, &instance.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Instance{}, ports.ErrInstanceNotFound
	}
	if err != nil {
		return types.Instance{}, err
	}
	if len(recordCtx) > 0 {
		if err := json.Unmarshal(recordCtx, &instance.RecordCtx); err != nil {
			return types.Instance{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Instance{}, err
	}
	return instance, nil
}

func (s *ApprovalPGStore) UpdateInstance(ctx context.Context, instance types.Instance) error {
	return s.exec(ctx, instance.TenantID, `
UPDATE core.approval_instance
SET status = $1, current_stage_no = $2, updated_at = $3
WHERE tenant_id = $4::uuid AND id = $5::uuid
`, instance.Status, instance.CurrentStageNo, instance.UpdatedAt, instance.TenantID, instance.ID)
}

func (s *ApprovalPGStore) CreateStages(ctx context.Context, stages []types.StageInstance) error {
	if len(stages) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, stages[0].TenantID); err != nil {
		return err
	}
	for _, stage := range stages {
		if _, err := tx.Exec(ctx, `
INSERT INTO core.approval_stage_instance
  (id, tenant_id, instance_id, template_stage_id, stage_no, mode, approvals_required,
   reject_ends_stage, reminder_after_seconds, expire_after_seconds, status)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6, $7, $8, $9, $10, $11)
`, stage.ID, stage.TenantID, stage.InstanceID, stage.TemplateStageID, stage.StageNo,
			stage.Mode, stage.ApprovalsRequired, stage.RejectEndsStage,
			int64(stage.ReminderAfter/time.Second), int64(stage.ExpireAfter/time.Second), stage.Status); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *ApprovalPGStore) GetStage(ctx context.Context, tenantID string, stageInstanceID string) (types.StageInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.StageInstance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.StageInstance{}, err
	}

	stage, err := scanStage(tx, ctx, tenantID, `
SELECT id, instance_id, template_stage_id, stage_no, mode, approvals_required, reject_ends_stage,
       reminder_after_seconds, expire_after_seconds, status,
       COALESCE(opened_at, 'epoch'::timestamptz), COALESCE(closed_at, 'epoch'::timestamptz)
FROM core.approval_stage_instance
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, stageInstanceID)
	if err != nil {
		return types.StageInstance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.StageInstance{}, err
	}
	return stage, nil
}

func (s *ApprovalPGStore) UpdateStage(ctx context.Context, stage types.StageInstance) error {
	return s.exec(ctx, stage.TenantID, `
UPDATE core.approval_stage_instance
SET status = $1,
    opened_at = NULLIF($2, 'epoch'::timestamptz),
    closed_at = NULLIF($3, 'epoch'::timestamptz)
WHERE tenant_id = $4::uuid AND id = $5::uuid
`, stage.Status, stage.OpenedAt, stage.ClosedAt, stage.TenantID, stage.ID)
}

func (s *ApprovalPGStore) ListStages(ctx context.Context, tenantID string, instanceID string) ([]types.StageInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, instance_id, template_stage_id, stage_no, mode, approvals_required, reject_ends_stage,
       reminder_after_seconds, expire_after_seconds, status,
       COALESCE(opened_at, 'epoch'::timestamptz), COALESCE(closed_at, 'epoch'::timestamptz)
FROM core.approval_stage_instance
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
ORDER BY stage_no ASC
`, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	stages := []types.StageInstance{}
	for rows.Next() {
		stage, err := scanStageRow(rows, tenantID)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stages = append(stages, stage)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *ApprovalPGStore) CreateTasks(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tasks[0].TenantID); err != nil {
		return err
	}
	for _, task := range tasks {
		if _, err := tx.Exec(ctx, `
INSERT INTO core.approval_task
  (id, tenant_id, instance_id, stage_instance_id, principal_id, status, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6, $7)
`, task.ID, task.TenantID, task.InstanceID, task.StageInstanceID,
			task.PrincipalID, task.Status, task.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *ApprovalPGStore) GetTask(ctx context.Context, tenantID string, taskID string) (types.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Task{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Task{}, err
	}

	task := types.Task{TenantID: tenantID}
	err = tx.QueryRow(ctx, `
SELECT id, instance_id, stage_instance_id, principal_id, status,
       COALESCE(note, ''), COALESCE(decided_by, ''),
       COALESCE(decided_at, 'epoch'::timestamptz), created_at
FROM core.approval_task
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, taskID).Scan(&task.ID, &task.InstanceID, &task.StageInstanceID, &task.PrincipalID,
		&task.Status, &task.Note, &task.DecidedBy, &task.DecidedAt, &task.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Task{}, ports.ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

func (s *ApprovalPGStore) UpdateTask(ctx context.Context, task types.Task) error {
	return s.exec(ctx, task.TenantID, `
UPDATE core.approval_task
SET status = $1, note = NULLIF($2, ''), decided_by = NULLIF($3, ''),
    decided_at = NULLIF($4, 'epoch'::timestamptz)
WHERE tenant_id = $5::uuid AND id = $6::uuid
`, task.Status, task.Note, task.DecidedBy, task.DecidedAt, task.TenantID, task.ID)
}

func (s *ApprovalPGStore) ListStageTasks(ctx context.Context, tenantID string, stageInstanceID string) ([]types.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, instance_id, stage_instance_id, principal_id, status,
       COALESCE(note, ''), COALESCE(decided_by, ''),
       COALESCE(decided_at, 'epoch'::timestamptz), created_at
FROM core.approval_task
WHERE tenant_id = $1::uuid AND stage_instance_id = $2::uuid
ORDER BY created_at ASC, id ASC
`, tenantID, stageInstanceID)
	if err != nil {
		return nil, err
	}
	tasks := []types.Task{}
	for rows.Next() {
		task := types.Task{TenantID: tenantID}
		if err := rows.Scan(&task.ID, &task.InstanceID, &task.StageInstanceID, &task.PrincipalID,
			&task.Status, &task.Note, &task.DecidedBy, &task.DecidedAt, &task.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *ApprovalPGStore) AppendSnapshots(ctx context.Context, snapshots []types.AssignmentSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, snapshots[0].TenantID); err != nil {
		return err
	}
	for _, snap := range snapshots {
		if _, err := tx.Exec(ctx, `
INSERT INTO core.approval_assignment_snapshot
  (id, tenant_id, instance_id, stage_instance_id, routing_rule_id, routing_rule_version,
   assignee_kind, assignee_id, principal_id, seq_no, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::uuid, $6, $7, $8, $9, $10, $11)
`, snap.ID, snap.TenantID, snap.InstanceID, snap.StageInstanceID, snap.RoutingRuleID,
			snap.RoutingRuleVersion, snap.Assignee.Kind, snap.Assignee.ID,
			snap.PrincipalID, snap.SeqNo, snap.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *ApprovalPGStore) ListStageSnapshots(ctx context.Context, tenantID string, stageInstanceID string) ([]types.AssignmentSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, instance_id, routing_rule_id, routing_rule_version,
       assignee_kind, assignee_id, principal_id, seq_no, created_at
FROM core.approval_assignment_snapshot
WHERE tenant_id = $1::uuid AND stage_instance_id = $2::uuid
ORDER BY seq_no ASC
`, tenantID, stageInstanceID)
	if err != nil {
		return nil, err
	}
	snapshots := []types.AssignmentSnapshot{}
	for rows.Next() {
		snap := types.AssignmentSnapshot{TenantID: tenantID, StageInstanceID: stageInstanceID}
		if err := rows.Scan(&snap.ID, &snap.InstanceID, &snap.RoutingRuleID, &snap.RoutingRuleVersion,
			&snap.Assignee.Kind, &snap.Assignee.ID, &snap.PrincipalID, &snap.SeqNo, &snap.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *ApprovalPGStore) AppendEscalation(ctx context.Context, escalation types.Escalation) error {
	return s.exec(ctx, escalation.TenantID, `
INSERT INTO core.approval_escalation (id, tenant_id, instance_id, stage_instance_id, kind, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6)
`, escalation.ID, escalation.TenantID, escalation.InstanceID, escalation.StageInstanceID,
		escalation.Kind, escalation.CreatedAt)
}

func (s *ApprovalPGStore) AppendEvent(ctx context.Context, event types.Event) error {
	return s.exec(ctx, event.TenantID, `
INSERT INTO core.approval_event
  (id, tenant_id, instance_id, stage_instance_id, task_id, kind, detail, actor_id, occurred_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, NULLIF($4, '')::uuid, NULLIF($5, '')::uuid, $6, $7, NULLIF($8, ''), $9)
`, event.ID, event.TenantID, event.InstanceID, event.StageInstanceID, event.TaskID,
		event.Kind, event.Detail, event.ActorID, event.OccurredAt)
}

func (s *ApprovalPGStore) exec(ctx context.Context, tenantID string, sql string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanStage(tx pgx.Tx, ctx context.Context, tenantID string, sql string, args ...any) (types.StageInstance, error) {
	row := tx.QueryRow(ctx, sql, args...)
	stage, err := scanStageValues(row.Scan, tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StageInstance{}, ports.ErrStageNotFound
	}
	return stage, err
}

func scanStageRow(rows pgx.Rows, tenantID string) (types.StageInstance, error) {
	return scanStageValues(rows.Scan, tenantID)
}

func scanStageValues(scan func(...any) error, tenantID string) (types.StageInstance, error) {
	var (
		stage            = types.StageInstance{TenantID: tenantID}
		reminder, expire int64
	)
	err := scan(&stage.ID, &stage.InstanceID, &stage.TemplateStageID, &stage.StageNo, &stage.Mode,
		&stage.ApprovalsRequired, &stage.RejectEndsStage, &reminder, &expire, &stage.Status,
		&stage.OpenedAt, &stage.ClosedAt)
	if err != nil {
		return types.StageInstance{}, err
	}
	stage.ReminderAfter = time.Duration(reminder) * time.Second
	stage.ExpireAfter = time.Duration(expire) * time.Second
	return stage, nil
}
