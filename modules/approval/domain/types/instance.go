package types

import "time"

type InstanceStatus string

const (
	InstancePending  InstanceStatus = "pending"
	InstanceApproved InstanceStatus = "approved"
	InstanceRejected InstanceStatus = "rejected"
	InstanceCanceled InstanceStatus = "canceled"
)

type StageStatus string

const (
	StageWaiting  StageStatus = "waiting" // materialized, not yet open
	StageOpen     StageStatus = "open"
	StageApproved StageStatus = "approved"
	StageRejected StageStatus = "rejected"
	StageCanceled StageStatus = "canceled"
)

type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
	TaskCanceled TaskStatus = "canceled"
)

type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

type Instance struct {
	ID             string
	TenantID       string
	TemplateID     string
	Status         InstanceStatus
	CurrentStageNo int
	RecordCtx      map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageInstance carries a copy of its template stage's quorum config so a
// later template edit never changes an in-flight stage.
type StageInstance struct {
	ID                string
	TenantID          string
	InstanceID        string
	TemplateStageID   string
	StageNo           int
	Mode              StageMode
	ApprovalsRequired int
	RejectEndsStage   bool
	ReminderAfter     time.Duration
	ExpireAfter       time.Duration
	Status            StageStatus
	OpenedAt          time.Time
	ClosedAt          time.Time
}

type Task struct {
	ID              string
	TenantID        string
	InstanceID      string
	StageInstanceID string
	PrincipalID     string
	Status          TaskStatus
	Note            string
	DecidedBy       string
	DecidedAt       time.Time
	CreatedAt       time.Time
}

// AssignmentSnapshot is the immutable record of one resolved assignment,
// pinned to the routing rule and version that produced it. SeqNo orders
// assignees for serial stages.
type AssignmentSnapshot struct {
	ID                 string
	TenantID           string
	InstanceID         string
	StageInstanceID    string
	RoutingRuleID      string
	RoutingRuleVersion int
	Assignee           Assignee
	PrincipalID        string
	SeqNo              int
	CreatedAt          time.Time
}

type EscalationKind string

const (
	EscalationReminder EscalationKind = "reminder"
	EscalationExpiry   EscalationKind = "expiry"
)

type Escalation struct {
	ID              string
	TenantID        string
	InstanceID      string
	StageInstanceID string
	Kind            EscalationKind
	CreatedAt       time.Time
}

const (
	EventStarted     = "started"
	EventStageOpened = "stage_opened"
	EventTaskDecided = "task_decided"
	EventStageClosed = "stage_closed"
	EventResolved    = "resolved"
	EventCanceled    = "canceled"
	EventEscalated   = "escalated"
)

// Event is the append-only approval audit row.
type Event struct {
	ID              string
	TenantID        string
	InstanceID      string
	StageInstanceID string
	TaskID          string
	Kind            string
	Detail          string
	ActorID         string
	OccurredAt      time.Time
}
