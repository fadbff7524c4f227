package types

import "time"

// Instance holds the single live state of one record. Version is a
// monotonically increasing optimistic-lock counter; every successful
// write increments it, and writers must present the version they read.
type Instance struct {
	ID          string
	TenantID    string
	EntityName  string
	RecordID    string
	LifecycleID string
	StateID     string
	Version     int64

	// Set while an approval-gated transition is in flight. The state
	// change applies only when the approval resolves.
	PendingApprovalID   string
	PendingTransitionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	OutcomeApplied           = "applied"
	OutcomeApprovalPending   = "approval_pending"
	OutcomeApprovalApproved  = "approval_approved"
	OutcomeApprovalRejected  = "approval_rejected"
	OutcomeApprovalCanceled  = "approval_canceled"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeGateNotSatisfied  = "gate_not_satisfied"
)

// Event is the append-only transition log, written for failed attempts as
// well as applied transitions.
type Event struct {
	ID            string
	TenantID      string
	InstanceID    string
	EntityName    string
	RecordID      string
	FromStateID   string
	ToStateID     string
	OperationCode string
	ActorID       string
	Outcome       string
	Detail        string
	OccurredAt    time.Time
}
