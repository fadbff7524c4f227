package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidegrid/metacore/pkg/lease"
)

// PGTimerStore keeps timers in core.lifecycle_timer. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never hand out the same
// timer twice. The store is deliberately cross-tenant: workers drain one
// shared queue and the tenant travels on the timer row.
type PGTimerStore struct {
	pool *pgxpool.Pool
}

func NewPGTimerStore(pool *pgxpool.Pool) *PGTimerStore {
	return &PGTimerStore{pool: pool}
}

var _ lease.Queue = (*PGTimerStore)(nil)

func (s *PGTimerStore) Enqueue(ctx context.Context, t lease.Timer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO core.lifecycle_timer
			(id, tenant_id, kind, subject_id, due_at, attempts, status)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.TenantID, t.Kind, t.SubjectID, t.DueAt, lease.StatusPending)
	return err
}

func (s *PGTimerStore) Claim(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]lease.Timer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, tenant_id, kind, subject_id, due_at, attempts
		FROM core.lifecycle_timer
		WHERE due_at <= now()
		  AND (status = $1
		       OR (status = $2 AND locked_at <= now() - make_interval(secs => $3)))
		ORDER BY due_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, lease.StatusPending, lease.StatusLeased, leaseFor.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	var timers []lease.Timer
	for rows.Next() {
		var t lease.Timer
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Kind, &t.SubjectID, &t.DueAt, &t.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		t.Status = lease.StatusLeased
		t.LockedBy = owner
		timers = append(timers, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range timers {
		if _, err := tx.Exec(ctx, `
			UPDATE core.lifecycle_timer
			SET status = $1, locked_by = $2, locked_at = now()
			WHERE id = $3
		`, lease.StatusLeased, owner, t.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return timers, nil
}

func (s *PGTimerStore) Renew(ctx context.Context, owner string, timerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE core.lifecycle_timer
		SET locked_at = now()
		WHERE id = $1 AND status = $2 AND locked_by = $3
	`, timerID, lease.StatusLeased, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lease.ErrNotLeased
	}
	return nil
}

func (s *PGTimerStore) Complete(ctx context.Context, owner string, timerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE core.lifecycle_timer
		SET status = $1, locked_by = '', completed_at = now()
		WHERE id = $2 AND status = $3 AND locked_by = $4
	`, lease.StatusCompleted, timerID, lease.StatusLeased, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lease.ErrNotLeased
	}
	return nil
}

func (s *PGTimerStore) Fail(ctx context.Context, owner string, timerID string, reason string, maxAttempts int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var attempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts
		FROM core.lifecycle_timer
		WHERE id = $1 AND status = $2 AND locked_by = $3
		FOR UPDATE
	`, timerID, lease.StatusLeased, owner).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, lease.ErrNotLeased
	}
	if err != nil {
		return false, err
	}

	attempts++
	status := lease.StatusPending
	terminal := attempts >= maxAttempts
	if terminal {
		status = lease.StatusFailed
	}
	if _, err := tx.Exec(ctx, `
		UPDATE core.lifecycle_timer
		SET status = $1, attempts = $2, locked_by = '', last_error = $3
		WHERE id = $4
	`, status, attempts, reason, timerID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return terminal, nil
}
