package services

import (
	"context"
	"sort"
	"time"

	"github.com/tidegrid/metacore/modules/approval/domain/ports"
	"github.com/tidegrid/metacore/modules/approval/domain/types"
	"github.com/tidegrid/metacore/pkg/enginerr"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// Decider processes task decisions. Each decision runs under the store's
// per-stage lock so concurrent approvers on a parallel stage can never
// double-count the quorum or race a stage past completion.
type Decider struct {
	store    ports.ApprovalStore
	locker   ports.StageLocker
	router   *Router
	notifier ports.LifecycleNotifier // nil when no lifecycle is listening
	now      func() time.Time
}

func NewDecider(store ports.ApprovalStore, locker ports.StageLocker, router *Router, notifier ports.LifecycleNotifier) *Decider {
	return &Decider{store: store, locker: locker, router: router, notifier: notifier, now: time.Now}
}

// DecideTask records one approver's outcome and returns the stage status
// after the decision. Completing the last stage resolves the instance and
// notifies the lifecycle engine.
func (d *Decider) DecideTask(ctx context.Context, tenantID string, taskID string, outcome types.Outcome, note string, actorID string) (types.StageStatus, error) {
	if outcome != types.OutcomeApprove && outcome != types.OutcomeReject {
		return "", enginerr.NewValidation("unknown outcome %q", outcome)
	}
	task, err := d.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return "", err
	}

	var stageStatus types.StageStatus
	err = d.locker.WithStageLock(ctx, tenantID, task.StageInstanceID, func(ctx context.Context) error {
		stageStatus, err = d.decideLocked(ctx, tenantID, taskID, outcome, note, actorID)
		return err
	})
	if err != nil {
		return "", err
	}

	if stageStatus == types.StageApproved || stageStatus == types.StageRejected {
		if err := d.advance(ctx, tenantID, task.InstanceID, stageStatus == types.StageApproved); err != nil {
			return "", err
		}
	}
	return stageStatus, nil
}

func (d *Decider) decideLocked(ctx context.Context, tenantID string, taskID string, outcome types.Outcome, note string, actorID string) (types.StageStatus, error) {
	// Re-read under the lock; a concurrent decision may have canceled it.
	task, err := d.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != types.TaskOpen {
		return "", enginerr.NewValidation("task %s already %s", taskID, task.Status)
	}
	stage, err := d.store.GetStage(ctx, tenantID, task.StageInstanceID)
	if err != nil {
		return "", err
	}
	if stage.Status != types.StageOpen {
		return "", enginerr.NewValidation("stage %s is %s, not open", stage.ID, stage.Status)
	}

	now := d.now().UTC()
	task.Status = types.TaskApproved
	if outcome == types.OutcomeReject {
		task.Status = types.TaskRejected
	}
	task.Note = note
	task.DecidedBy = actorID
	task.DecidedAt = now
	if err := d.store.UpdateTask(ctx, task); err != nil {
		return "", err
	}
	if err := d.router.appendEvent(ctx, tenantID, task.InstanceID, stage.ID, task.ID, types.EventTaskDecided, string(outcome), actorID); err != nil {
		return "", err
	}

	tasks, err := d.store.ListStageTasks(ctx, tenantID, stage.ID)
	if err != nil {
		return "", err
	}
	switch stage.Mode {
	case types.StageSerial:
		return d.settleSerial(ctx, tenantID, stage, task, tasks, now)
	default:
		return d.settleParallel(ctx, tenantID, stage, tasks, now)
	}
}

// settleSerial advances a serial stage: an approval opens the next
// assignee's task or, when none remains, approves the stage; a rejection
// rejects it.
func (d *Decider) settleSerial(ctx context.Context, tenantID string, stage types.StageInstance,
	decided types.Task, tasks []types.Task, now time.Time) (types.StageStatus, error) {

	if decided.Status == types.TaskRejected {
		return d.closeStage(ctx, tenantID, stage, types.StageRejected, tasks, now)
	}

	snapshots, err := d.store.ListStageSnapshots(ctx, tenantID, stage.ID)
	if err != nil {
		return "", err
	}
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].SeqNo < snapshots[j].SeqNo })
	if len(tasks) < len(snapshots) {
		next, err := newTask(tenantID, stage, snapshots[len(tasks)].PrincipalID, now)
		if err != nil {
			return "", err
		}
		if err := d.store.CreateTasks(ctx, []types.Task{next}); err != nil {
			return "", err
		}
		return types.StageOpen, nil
	}
	return d.closeStage(ctx, tenantID, stage, types.StageApproved, tasks, now)
}

// settleParallel applies the quorum: ApprovalsRequired approvals close the
// stage approved exactly at the n-th approval; zero means all must
// approve. A rejection ends the stage when RejectEndsStage is set, or
// when it makes the quorum unreachable.
func (d *Decider) settleParallel(ctx context.Context, tenantID string, stage types.StageInstance,
	tasks []types.Task, now time.Time) (types.StageStatus, error) {

	var approved, rejected, open int
	for _, t := range tasks {
		switch t.Status {
		case types.TaskApproved:
			approved++
		case types.TaskRejected:
			rejected++
		case types.TaskOpen:
			open++
		}
	}

	required := stage.ApprovalsRequired
	if required <= 0 {
		required = len(tasks)
	}

	if approved >= required {
		return d.closeStage(ctx, tenantID, stage, types.StageApproved, tasks, now)
	}
	if rejected > 0 && stage.RejectEndsStage {
		return d.closeStage(ctx, tenantID, stage, types.StageRejected, tasks, now)
	}
	if approved+open < required {
		return d.closeStage(ctx, tenantID, stage, types.StageRejected, tasks, now)
	}
	return types.StageOpen, nil
}

// closeStage marks the stage terminal and cancels its remaining open
// tasks.
func (d *Decider) closeStage(ctx context.Context, tenantID string, stage types.StageInstance,
	status types.StageStatus, tasks []types.Task, now time.Time) (types.StageStatus, error) {

	for _, t := range tasks {
		if t.Status != types.TaskOpen {
			continue
		}
		t.Status = types.TaskCanceled
		t.DecidedAt = now
		if err := d.store.UpdateTask(ctx, t); err != nil {
			return "", err
		}
	}
	stage.Status = status
	stage.ClosedAt = now
	if err := d.store.UpdateStage(ctx, stage); err != nil {
		return "", err
	}
	if err := d.router.appendEvent(ctx, tenantID, stage.InstanceID, stage.ID, "", types.EventStageClosed, string(status), ""); err != nil {
		return "", err
	}
	return status, nil
}

// advance opens the next waiting stage after an approval, or resolves the
// instance when no stage remains (or the stage rejected).
func (d *Decider) advance(ctx context.Context, tenantID string, instanceID string, stageApproved bool) error {
	instance, err := d.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != types.InstancePending {
		return nil
	}
	stages, err := d.store.ListStages(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].StageNo < stages[j].StageNo })

	if stageApproved {
		for _, stage := range stages {
			if stage.Status == types.StageWaiting {
				instance.CurrentStageNo = stage.StageNo
				instance.UpdatedAt = d.now().UTC()
				if err := d.store.UpdateInstance(ctx, instance); err != nil {
					return err
				}
				return d.router.openStage(ctx, tenantID, stage)
			}
		}
		return d.resolve(ctx, tenantID, instance, types.InstanceApproved)
	}

	// A rejected stage rejects the instance; waiting stages never open.
	now := d.now().UTC()
	for _, stage := range stages {
		if stage.Status == types.StageWaiting {
			stage.Status = types.StageCanceled
			stage.ClosedAt = now
			if err := d.store.UpdateStage(ctx, stage); err != nil {
				return err
			}
		}
	}
	return d.resolve(ctx, tenantID, instance, types.InstanceRejected)
}

func (d *Decider) resolve(ctx context.Context, tenantID string, instance types.Instance, status types.InstanceStatus) error {
	instance.Status = status
	instance.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateInstance(ctx, instance); err != nil {
		return err
	}
	if err := d.router.appendEvent(ctx, tenantID, instance.ID, "", "", types.EventResolved, string(status), ""); err != nil {
		return err
	}
	if d.notifier != nil {
		return d.notifier.ApprovalResolved(ctx, tenantID, instance.ID, status == types.InstanceApproved)
	}
	return nil
}

// Cancel aborts a pending instance: open tasks and unfinished stages are
// canceled, state-machine side effects are left to the lifecycle engine.
func (d *Decider) Cancel(ctx context.Context, tenantID string, instanceID string, actorID string) error {
	instance, err := d.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != types.InstancePending {
		return enginerr.NewValidation("approval %s is %s, only pending approvals cancel", instanceID, instance.Status)
	}

	stages, err := d.store.ListStages(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	for _, stage := range stages {
		if stage.Status != types.StageOpen && stage.Status != types.StageWaiting {
			continue
		}
		err := d.locker.WithStageLock(ctx, tenantID, stage.ID, func(ctx context.Context) error {
			tasks, err := d.store.ListStageTasks(ctx, tenantID, stage.ID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if t.Status != types.TaskOpen {
					continue
				}
				t.Status = types.TaskCanceled
				t.DecidedAt = now
				if err := d.store.UpdateTask(ctx, t); err != nil {
					return err
				}
			}
			stage.Status = types.StageCanceled
			stage.ClosedAt = now
			return d.store.UpdateStage(ctx, stage)
		})
		if err != nil {
			return err
		}
	}

	instance.Status = types.InstanceCanceled
	instance.UpdatedAt = now
	if err := d.store.UpdateInstance(ctx, instance); err != nil {
		return err
	}
	if err := d.router.appendEvent(ctx, tenantID, instanceID, "", "", types.EventCanceled, "", actorID); err != nil {
		return err
	}
	if d.notifier != nil {
		return d.notifier.ApprovalCanceled(ctx, tenantID, instanceID)
	}
	return nil
}

// Escalate handles a fired reminder timer: a still-open stage gets an
// escalation row, anything else is a stale timer and a no-op.
func (d *Decider) Escalate(ctx context.Context, tenantID string, stageInstanceID string) error {
	stage, err := d.store.GetStage(ctx, tenantID, stageInstanceID)
	if err != nil {
		return err
	}
	if stage.Status != types.StageOpen {
		return nil
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return err
	}
	if err := d.store.AppendEscalation(ctx, types.Escalation{
		ID:              id,
		TenantID:        tenantID,
		InstanceID:      stage.InstanceID,
		StageInstanceID: stage.ID,
		Kind:            types.EscalationReminder,
		CreatedAt:       d.now().UTC(),
	}); err != nil {
		return err
	}
	return d.router.appendEvent(ctx, tenantID, stage.InstanceID, stage.ID, "", types.EventEscalated, string(types.EscalationReminder), "")
}

// ExpireStage handles a fired expiry timer by canceling the whole
// instance. Stale timers for already-closed stages are no-ops.
func (d *Decider) ExpireStage(ctx context.Context, tenantID string, stageInstanceID string) error {
	stage, err := d.store.GetStage(ctx, tenantID, stageInstanceID)
	if err != nil {
		return err
	}
	if stage.Status != types.StageOpen {
		return nil
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return err
	}
	if err := d.store.AppendEscalation(ctx, types.Escalation{
		ID:              id,
		TenantID:        tenantID,
		InstanceID:      stage.InstanceID,
		StageInstanceID: stage.ID,
		Kind:            types.EscalationExpiry,
		CreatedAt:       d.now().UTC(),
	}); err != nil {
		return err
	}
	return d.Cancel(ctx, tenantID, stage.InstanceID, "scheduler")
}
