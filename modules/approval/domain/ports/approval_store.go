package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tidegrid/metacore/modules/approval/domain/types"
)

var (
	ErrTemplateNotFound = errors.New("approval_template_not_found")
	ErrInstanceNotFound = errors.New("approval_instance_not_found")
	ErrStageNotFound    = errors.New("approval_stage_not_found")
	ErrTaskNotFound     = errors.New("approval_task_not_found")
)

type TemplateStore interface {
	GetTemplate(ctx context.Context, tenantID string, templateID string) (types.Template, error)
	// ListRoutingRules returns a stage's rules in ascending priority.
	ListRoutingRules(ctx context.Context, tenantID string, templateStageID string) ([]types.RoutingRule, error)
}

type ApprovalStore interface {
	CreateInstance(ctx context.Context, instance types.Instance) error
	GetInstance(ctx context.Context, tenantID string, instanceID string) (types.Instance, error)
	UpdateInstance(ctx context.Context, instance types.Instance) error

	CreateStages(ctx context.Context, stages []types.StageInstance) error
	GetStage(ctx context.Context, tenantID string, stageInstanceID string) (types.StageInstance, error)
	UpdateStage(ctx context.Context, stage types.StageInstance) error
	ListStages(ctx context.Context, tenantID string, instanceID string) ([]types.StageInstance, error)

	CreateTasks(ctx context.Context, tasks []types.Task) error
	GetTask(ctx context.Context, tenantID string, taskID string) (types.Task, error)
	UpdateTask(ctx context.Context, task types.Task) error
	ListStageTasks(ctx context.Context, tenantID string, stageInstanceID string) ([]types.Task, error)

	AppendSnapshots(ctx context.Context, snapshots []types.AssignmentSnapshot) error
	ListStageSnapshots(ctx context.Context, tenantID string, stageInstanceID string) ([]types.AssignmentSnapshot, error)

	AppendEscalation(ctx context.Context, escalation types.Escalation) error
	AppendEvent(ctx context.Context, event types.Event) error
}

// StageLocker serializes decisions against one stage so concurrent
// approvers never double-count quorum or race past completion.
type StageLocker interface {
	WithStageLock(ctx context.Context, tenantID string, stageInstanceID string, fn func(context.Context) error) error
}

// GroupDirectory resolves group assignees to member principals. External
// collaborator, read-only.
type GroupDirectory interface {
	ListGroupMembers(ctx context.Context, tenantID string, groupID string) ([]string, error)
}

// StageTimers registers reminder and expiry timers when a stage opens.
type StageTimers interface {
	ScheduleReminder(ctx context.Context, tenantID string, stageInstanceID string, dueAt time.Time) error
	ScheduleExpiry(ctx context.Context, tenantID string, stageInstanceID string, dueAt time.Time) error
}

// LifecycleNotifier propagates instance resolution back into the
// lifecycle engine holding the pending transition.
type LifecycleNotifier interface {
	ApprovalResolved(ctx context.Context, tenantID string, approvalID string, approved bool) error
	ApprovalCanceled(ctx context.Context, tenantID string, approvalID string) error
}
