package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidegrid/metacore/modules/approval/domain/ports"
)

// StageAdvisoryLocker serializes per-stage decisions with a session-level
// advisory lock held on a dedicated connection, so the decider's own
// transactions against the stage's rows proceed underneath it.
type StageAdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewStageAdvisoryLocker(pool *pgxpool.Pool) *StageAdvisoryLocker {
	return &StageAdvisoryLocker{pool: pool}
}

var _ ports.StageLocker = (*StageAdvisoryLocker)(nil)

func (l *StageAdvisoryLocker) WithStageLock(ctx context.Context, tenantID string, stageInstanceID string, fn func(context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	key := tenantID + "/" + stageInstanceID
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0));`, key); err != nil {
		return err
	}
	defer func() {
		// Unlock on the same session even if ctx is done.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0));`, key)
	}()

	return fn(ctx)
}
