package persistence

import (
	"context"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

// DecisionLogPGStore appends evaluation outcomes to the append-only audit
// table. There is no update or delete path.
type DecisionLogPGStore struct {
	pool pgBeginner
}

func NewDecisionLogPGStore(pool pgBeginner) *DecisionLogPGStore {
	return &DecisionLogPGStore{pool: pool}
}

var _ ports.DecisionLog = (*DecisionLogPGStore)(nil)

func (s *DecisionLogPGStore) Append(ctx context.Context, entry types.DecisionLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, entry.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO core.permission_decision_log
  (id, tenant_id, principal_id, operation_code, entity_name, entity_version_id, record_id,
   allow, matched_rule_id, policy_version_id, reason, decided_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5,
        NULLIF($6, '')::uuid, NULLIF($7, ''),
        $8, NULLIF($9, ''), NULLIF($10, '')::uuid, $11, $12)
`, entry.ID, entry.TenantID, entry.PrincipalID, entry.OperationCode, entry.EntityName,
		entry.EntityVersionID, entry.RecordID,
		entry.Allow, entry.MatchedRuleID, entry.PolicyVersionID, entry.Reason, entry.DecidedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
