// Package lease is the work-queue abstraction over timer rows
// (locked_by/locked_at claim columns). Workers claim timers under a
// visibility timeout, renew the lease for long work, and either complete
// or fail them; a timer that fails more than the configured maximum is
// parked in a terminal failed state instead of being retried forever.
package lease

import (
	"context"
	"errors"
	"time"
)

const (
	StatusPending   = "pending"
	StatusLeased    = "leased"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	KindReminder   = "reminder"
	KindEscalation = "escalation"
	KindExpiry     = "expiry"
)

var (
	ErrNotLeased = errors.New("lease: timer not leased by this owner")
	ErrNotFound  = errors.New("lease: timer not found")
)

type Timer struct {
	ID        string
	TenantID  string
	Kind      string
	SubjectID string
	DueAt     time.Time
	Attempts  int
	Status    string
	LockedBy  string
	LockedAt  time.Time
	LastError string
}

// Queue is implemented by the postgres timer store and the in-memory
// double used in tests.
type Queue interface {
	// Enqueue registers a new pending timer.
	Enqueue(ctx context.Context, t Timer) error
	// Claim leases up to limit due timers for owner. A timer whose lease
	// has outlived leaseFor is due again and may be re-claimed.
	Claim(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]Timer, error)
	// Renew extends the lease on a timer the owner still holds.
	Renew(ctx context.Context, owner string, timerID string) error
	// Complete marks a leased timer done.
	Complete(ctx context.Context, owner string, timerID string) error
	// Fail records a failed attempt. When attempts reach maxAttempts the
	// timer goes terminal (dead-letter) and terminal=true is returned;
	// otherwise it returns to pending for another claim.
	Fail(ctx context.Context, owner string, timerID string, reason string, maxAttempts int) (terminal bool, err error)
}
