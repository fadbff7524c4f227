package lease

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the in-process Queue used by tests and by server wiring
// when no database is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	timers map[string]*Timer
	now    func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{timers: map[string]*Timer{}, now: time.Now}
}

// SetClock overrides the queue clock. Test helper.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Timer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := t
	cp.Status = StatusPending
	q.timers[t.ID] = &cp
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, owner string, limit int, leaseFor time.Duration) ([]Timer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	due := make([]*Timer, 0)
	for _, t := range q.timers {
		switch t.Status {
		case StatusPending:
			if !t.DueAt.After(now) {
				due = append(due, t)
			}
		case StatusLeased:
			if now.Sub(t.LockedAt) >= leaseFor {
				due = append(due, t)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Timer, 0, len(due))
	for _, t := range due {
		t.Status = StatusLeased
		t.LockedBy = owner
		t.LockedAt = now
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

func (q *MemoryQueue) Renew(_ context.Context, owner string, timerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.heldLocked(owner, timerID)
	if err != nil {
		return err
	}
	t.LockedAt = q.now()
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, owner string, timerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.heldLocked(owner, timerID)
	if err != nil {
		return err
	}
	t.Status = StatusCompleted
	t.LockedBy = ""
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, owner string, timerID string, reason string, maxAttempts int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.heldLocked(owner, timerID)
	if err != nil {
		return false, err
	}
	t.Attempts++
	t.LastError = reason
	t.LockedBy = ""
	if t.Attempts >= maxAttempts {
		t.Status = StatusFailed
		return true, nil
	}
	t.Status = StatusPending
	return false, nil
}

// Snapshot returns a copy of one timer. Test helper.
func (q *MemoryQueue) Snapshot(timerID string) (Timer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.timers[timerID]
	if !ok {
		return Timer{}, false
	}
	return *t, true
}

func (q *MemoryQueue) heldLocked(owner string, timerID string) (*Timer, error) {
	t, ok := q.timers[timerID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusLeased || t.LockedBy != owner {
		return nil, ErrNotLeased
	}
	return t, nil
}
