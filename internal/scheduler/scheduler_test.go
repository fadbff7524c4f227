package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidegrid/metacore/pkg/lease"
)

type recordingEscalator struct {
	reminders []string
	expiries  []string
	err       error
}

func (r *recordingEscalator) Escalate(_ context.Context, tenantID string, stageInstanceID string) error {
	r.reminders = append(r.reminders, tenantID+"/"+stageInstanceID)
	return r.err
}

func (r *recordingEscalator) ExpireStage(_ context.Context, tenantID string, stageInstanceID string) error {
	r.expiries = append(r.expiries, tenantID+"/"+stageInstanceID)
	return r.err
}

func newTestScheduler(queue lease.Queue, esc StageEscalator, maxAttempts int) *Scheduler {
	s := New(queue, "test-worker", WithMaxAttempts(maxAttempts))
	s.Register(lease.KindReminder, NewReminderHandler(esc))
	s.Register(lease.KindExpiry, NewExpiryHandler(esc))
	return s
}

func TestStageTimerEnqueuer_EnqueuesTimerRows(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	enq := NewStageTimerEnqueuer(queue)
	due := time.Now().Add(-time.Minute)

	if err := enq.ScheduleReminder(ctx, "t1", "stage-1", due); err != nil {
		t.Fatalf("schedule reminder: %v", err)
	}
	if err := enq.ScheduleExpiry(ctx, "t1", "stage-1", due); err != nil {
		t.Fatalf("schedule expiry: %v", err)
	}

	claimed, err := queue.Claim(ctx, "test-worker", 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d timers, want 2", len(claimed))
	}

	byKind := map[string]lease.Timer{}
	for _, tm := range claimed {
		if tm.ID == "" {
			t.Fatalf("timer of kind %s has empty id", tm.Kind)
		}
		byKind[tm.Kind] = tm
	}
	rem, ok := byKind[lease.KindReminder]
	if !ok {
		t.Fatalf("no reminder timer, got %v", byKind)
	}
	exp, ok := byKind[lease.KindExpiry]
	if !ok {
		t.Fatalf("no expiry timer, got %v", byKind)
	}
	if rem.TenantID != "t1" || rem.SubjectID != "stage-1" || !rem.DueAt.Equal(due) {
		t.Fatalf("reminder = %+v", rem)
	}
	if rem.ID == exp.ID {
		t.Fatalf("reminder and expiry share id %s", rem.ID)
	}
}

func TestScheduler_DispatchesByKind(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	enq := NewStageTimerEnqueuer(queue)
	due := time.Now().Add(-time.Minute)
	if err := enq.ScheduleReminder(ctx, "t1", "stage-1", due); err != nil {
		t.Fatalf("schedule reminder: %v", err)
	}
	if err := enq.ScheduleExpiry(ctx, "t1", "stage-2", due); err != nil {
		t.Fatalf("schedule expiry: %v", err)
	}

	esc := &recordingEscalator{}
	s := newTestScheduler(queue, esc, 3)
	s.drain(ctx, "test-worker")

	if len(esc.reminders) != 1 || esc.reminders[0] != "t1/stage-1" {
		t.Fatalf("reminders = %v", esc.reminders)
	}
	if len(esc.expiries) != 1 || esc.expiries[0] != "t1/stage-2" {
		t.Fatalf("expiries = %v", esc.expiries)
	}
}

func TestScheduler_FutureTimersStayQueued(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	enq := NewStageTimerEnqueuer(queue)
	if err := enq.ScheduleReminder(ctx, "t1", "stage-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule reminder: %v", err)
	}

	esc := &recordingEscalator{}
	s := newTestScheduler(queue, esc, 3)
	s.drain(ctx, "test-worker")

	if len(esc.reminders) != 0 {
		t.Fatalf("expected no dispatch before due time, got %v", esc.reminders)
	}
}

func TestScheduler_FailedTimerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	now := time.Now()
	clock := now
	queue.SetClock(func() time.Time { return clock })

	timer := lease.Timer{ID: "tm-1", TenantID: "t1", Kind: lease.KindReminder, SubjectID: "stage-1", DueAt: now.Add(-time.Minute)}
	if err := queue.Enqueue(ctx, timer); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	esc := &recordingEscalator{err: errors.New("stage lookup failed")}
	s := newTestScheduler(queue, esc, 2)

	s.drain(ctx, "test-worker")
	got, _ := queue.Snapshot("tm-1")
	if got.Status != lease.StatusPending || got.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", got.Status, got.Attempts)
	}

	s.drain(ctx, "test-worker")
	got, _ = queue.Snapshot("tm-1")
	if got.Status != lease.StatusFailed || got.Attempts != 2 {
		t.Fatalf("after second failure: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.LastError != "stage lookup failed" {
		t.Fatalf("last error = %q", got.LastError)
	}

	esc.err = nil
	s.drain(ctx, "test-worker")
	if len(esc.reminders) != 2 {
		t.Fatalf("dead-lettered timer must not be re-claimed, reminders = %v", esc.reminders)
	}
}

type blockingEscalator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEscalator) Escalate(_ context.Context, _ string, _ string) error {
	close(b.started)
	<-b.release
	return nil
}

func (b *blockingEscalator) ExpireStage(_ context.Context, _ string, _ string) error {
	return nil
}

func TestScheduler_RenewsLeaseWhileHandlerRuns(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	timer := lease.Timer{ID: "tm-1", TenantID: "t1", Kind: lease.KindReminder, SubjectID: "stage-1", DueAt: time.Now().Add(-time.Minute)}
	if err := queue.Enqueue(ctx, timer); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	esc := &blockingEscalator{started: make(chan struct{}), release: make(chan struct{})}
	s := New(queue, "test-worker", WithLease(20*time.Millisecond))
	s.Register(lease.KindReminder, NewReminderHandler(esc))

	done := make(chan struct{})
	go func() {
		s.drain(ctx, "test-worker")
		close(done)
	}()

	<-esc.started
	claimed, _ := queue.Snapshot("tm-1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := queue.Snapshot("tm-1")
		if got.LockedAt.After(claimed.LockedAt) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease never renewed while the handler ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(esc.release)
	<-done
	got, _ := queue.Snapshot("tm-1")
	if got.Status != lease.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestScheduler_UnregisteredKindFailsAttempt(t *testing.T) {
	ctx := context.Background()
	queue := lease.NewMemoryQueue()
	timer := lease.Timer{ID: "tm-1", TenantID: "t1", Kind: lease.KindEscalation, SubjectID: "stage-1", DueAt: time.Now().Add(-time.Minute)}
	if err := queue.Enqueue(ctx, timer); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s := New(queue, "test-worker", WithMaxAttempts(1))
	s.drain(ctx, "test-worker")

	got, _ := queue.Snapshot("tm-1")
	if got.Status != lease.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}
