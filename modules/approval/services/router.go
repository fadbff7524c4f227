package services

import (
	"context"
	"sort"
	"time"

	"github.com/tidegrid/metacore/modules/approval/domain/ports"
	"github.com/tidegrid/metacore/modules/approval/domain/types"
	"github.com/tidegrid/metacore/pkg/celcond"
	"github.com/tidegrid/metacore/pkg/enginerr"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// Router materializes approval instances. Every stage's routing is
// resolved and snapshotted at start, so a routing-rule edit after start
// never changes who an in-flight approval goes to.
type Router struct {
	templates ports.TemplateStore
	store     ports.ApprovalStore
	groups    ports.GroupDirectory
	timers    ports.StageTimers // nil disables stage timers
	now       func() time.Time
}

func NewRouter(templates ports.TemplateStore, store ports.ApprovalStore, groups ports.GroupDirectory, timers ports.StageTimers) *Router {
	return &Router{templates: templates, store: store, groups: groups, timers: timers, now: time.Now}
}

// Start materializes the template's stages in StageNo order and opens the
// first. Any stage without a matching routing rule aborts the whole start
// with RoutingUnresolved; nothing is persisted.
func (r *Router) Start(ctx context.Context, tenantID string, templateID string, recordCtx map[string]any) (types.Instance, error) {
	template, err := r.templates.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return types.Instance{}, err
	}
	if len(template.Stages) == 0 {
		return types.Instance{}, enginerr.NewValidation("approval template %s has no stages", templateID)
	}
	stages := append([]types.TemplateStage(nil), template.Stages...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].StageNo < stages[j].StageNo })

	now := r.now().UTC()
	instanceID, err := uuidv7.NewString()
	if err != nil {
		return types.Instance{}, err
	}
	instance := types.Instance{
		ID:             instanceID,
		TenantID:       tenantID,
		TemplateID:     templateID,
		Status:         types.InstancePending,
		CurrentStageNo: stages[0].StageNo,
		RecordCtx:      recordCtx,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stageInstances := make([]types.StageInstance, 0, len(stages))
	var snapshots []types.AssignmentSnapshot
	for _, tplStage := range stages {
		stageID, err := uuidv7.NewString()
		if err != nil {
			return types.Instance{}, err
		}
		stageInstances = append(stageInstances, types.StageInstance{
			ID:                stageID,
			TenantID:          tenantID,
			InstanceID:        instanceID,
			TemplateStageID:   tplStage.ID,
			StageNo:           tplStage.StageNo,
			Mode:              tplStage.Mode,
			ApprovalsRequired: tplStage.ApprovalsRequired,
			RejectEndsStage:   tplStage.RejectEndsStage,
			ReminderAfter:     tplStage.ReminderAfter,
			ExpireAfter:       tplStage.ExpireAfter,
			Status:            types.StageWaiting,
		})

		stageSnapshots, err := r.resolveStage(ctx, tenantID, template, tplStage, instanceID, stageID, recordCtx, now)
		if err != nil {
			return types.Instance{}, err
		}
		snapshots = append(snapshots, stageSnapshots...)
	}

	if err := r.store.CreateInstance(ctx, instance); err != nil {
		return types.Instance{}, err
	}
	if err := r.store.CreateStages(ctx, stageInstances); err != nil {
		return types.Instance{}, err
	}
	if err := r.store.AppendSnapshots(ctx, snapshots); err != nil {
		return types.Instance{}, err
	}
	if err := r.appendEvent(ctx, tenantID, instanceID, "", "", types.EventStarted, templateID, ""); err != nil {
		return types.Instance{}, err
	}

	if err := r.openStage(ctx, tenantID, stageInstances[0]); err != nil {
		return types.Instance{}, err
	}
	return instance, nil
}

// resolveStage runs the stage's routing rules in ascending priority; the
// first whose condition matches the record context wins. A group assignee
// fans out into one snapshot per member.
func (r *Router) resolveStage(ctx context.Context, tenantID string, template types.Template, tplStage types.TemplateStage,
	instanceID string, stageInstanceID string, recordCtx map[string]any, now time.Time) ([]types.AssignmentSnapshot, error) {

	rules, err := r.templates.ListRoutingRules(ctx, tenantID, tplStage.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		matched, err := celcond.EvalBool(rule.Condition, recordCtx)
		if err != nil {
			return nil, enginerr.NewValidation("routing rule %s: %v", rule.ID, err)
		}
		if !matched {
			continue
		}

		var principals []string
		switch rule.Assignee.Kind {
		case types.AssigneePrincipal:
			principals = []string{rule.Assignee.ID}
		case types.AssigneeGroup:
			principals, err = r.groups.ListGroupMembers(ctx, tenantID, rule.Assignee.ID)
			if err != nil {
				return nil, err
			}
		}
		if len(principals) == 0 {
			return nil, enginerr.NewRoutingUnresolved(template.ID, tplStage.StageNo)
		}

		snapshots := make([]types.AssignmentSnapshot, 0, len(principals))
		for seq, principalID := range principals {
			id, err := uuidv7.NewString()
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, types.AssignmentSnapshot{
				ID:                 id,
				TenantID:           tenantID,
				InstanceID:         instanceID,
				StageInstanceID:    stageInstanceID,
				RoutingRuleID:      rule.ID,
				RoutingRuleVersion: rule.VersionNo,
				Assignee:           rule.Assignee,
				PrincipalID:        principalID,
				SeqNo:              seq,
				CreatedAt:          now,
			})
		}
		return snapshots, nil
	}
	return nil, enginerr.NewRoutingUnresolved(template.ID, tplStage.StageNo)
}

// openStage creates the stage's task rows from its snapshots: serial
// stages open one task for the first assignee, parallel stages open one
// per assignee. Stage timers are registered here.
func (r *Router) openStage(ctx context.Context, tenantID string, stage types.StageInstance) error {
	snapshots, err := r.store.ListStageSnapshots(ctx, tenantID, stage.ID)
	if err != nil {
		return err
	}
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].SeqNo < snapshots[j].SeqNo })

	now := r.now().UTC()
	assignees := snapshots
	if stage.Mode == types.StageSerial {
		assignees = snapshots[:1]
	}
	tasks := make([]types.Task, 0, len(assignees))
	for _, snapshot := range assignees {
		task, err := newTask(tenantID, stage, snapshot.PrincipalID, now)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}
	if err := r.store.CreateTasks(ctx, tasks); err != nil {
		return err
	}

	stage.Status = types.StageOpen
	stage.OpenedAt = now
	if err := r.store.UpdateStage(ctx, stage); err != nil {
		return err
	}
	if err := r.appendEvent(ctx, tenantID, stage.InstanceID, stage.ID, "", types.EventStageOpened, "", ""); err != nil {
		return err
	}

	if r.timers != nil {
		if stage.ReminderAfter > 0 {
			if err := r.timers.ScheduleReminder(ctx, tenantID, stage.ID, now.Add(stage.ReminderAfter)); err != nil {
				return err
			}
		}
		if stage.ExpireAfter > 0 {
			if err := r.timers.ScheduleExpiry(ctx, tenantID, stage.ID, now.Add(stage.ExpireAfter)); err != nil {
				return err
			}
		}
	}
	return nil
}

func newTask(tenantID string, stage types.StageInstance, principalID string, now time.Time) (types.Task, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.Task{}, err
	}
	return types.Task{
		ID:              id,
		TenantID:        tenantID,
		InstanceID:      stage.InstanceID,
		StageInstanceID: stage.ID,
		PrincipalID:     principalID,
		Status:          types.TaskOpen,
		CreatedAt:       now,
	}, nil
}

func (r *Router) appendEvent(ctx context.Context, tenantID, instanceID, stageID, taskID, kind, detail, actorID string) error {
	id, err := uuidv7.NewString()
	if err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, types.Event{
		ID:              id,
		TenantID:        tenantID,
		InstanceID:      instanceID,
		StageInstanceID: stageID,
		TaskID:          taskID,
		Kind:            kind,
		Detail:          detail,
		ActorID:         actorID,
		OccurredAt:      r.now().UTC(),
	})
}
