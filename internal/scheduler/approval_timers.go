package scheduler

import (
	"context"
	"time"

	"github.com/tidegrid/metacore/pkg/lease"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// StageTimerEnqueuer adapts the lease queue to the approval module's
// StageTimers port. One timer row per reminder/expiry, keyed by the
// stage instance it watches.
type StageTimerEnqueuer struct {
	queue lease.Queue
}

func NewStageTimerEnqueuer(queue lease.Queue) *StageTimerEnqueuer {
	return &StageTimerEnqueuer{queue: queue}
}

func (e *StageTimerEnqueuer) ScheduleReminder(ctx context.Context, tenantID string, stageInstanceID string, dueAt time.Time) error {
	return e.enqueue(ctx, tenantID, lease.KindReminder, stageInstanceID, dueAt)
}

func (e *StageTimerEnqueuer) ScheduleExpiry(ctx context.Context, tenantID string, stageInstanceID string, dueAt time.Time) error {
	return e.enqueue(ctx, tenantID, lease.KindExpiry, stageInstanceID, dueAt)
}

func (e *StageTimerEnqueuer) enqueue(ctx context.Context, tenantID string, kind string, subjectID string, dueAt time.Time) error {
	id, err := uuidv7.NewString()
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, lease.Timer{
		ID:        id,
		TenantID:  tenantID,
		Kind:      kind,
		SubjectID: subjectID,
		DueAt:     dueAt,
		Status:    lease.StatusPending,
	})
}

// StageEscalator is the slice of the approval decider the timer handlers
// need. Escalate records a reminder escalation on a still-open stage;
// ExpireStage cancels the approval whose stage outlived its deadline.
// Both are no-ops on stages that already closed.
type StageEscalator interface {
	Escalate(ctx context.Context, tenantID string, stageInstanceID string) error
	ExpireStage(ctx context.Context, tenantID string, stageInstanceID string) error
}

type ReminderHandler struct {
	escalator StageEscalator
}

func NewReminderHandler(escalator StageEscalator) *ReminderHandler {
	return &ReminderHandler{escalator: escalator}
}

func (h *ReminderHandler) HandleTimer(ctx context.Context, t lease.Timer) error {
	return h.escalator.Escalate(ctx, t.TenantID, t.SubjectID)
}

type ExpiryHandler struct {
	escalator StageEscalator
}

func NewExpiryHandler(escalator StageEscalator) *ExpiryHandler {
	return &ExpiryHandler{escalator: escalator}
}

func (h *ExpiryHandler) HandleTimer(ctx context.Context, t lease.Timer) error {
	return h.escalator.ExpireStage(ctx, t.TenantID, t.SubjectID)
}
