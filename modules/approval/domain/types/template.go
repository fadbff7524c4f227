package types

import "time"

type StageMode string

const (
	StageSerial   StageMode = "serial"
	StageParallel StageMode = "parallel"
)

// Template is a versioned multi-stage approval definition. Stages run in
// StageNo order.
type Template struct {
	ID        string
	TenantID  string
	Name      string
	VersionNo int
	Stages    []TemplateStage
}

// TemplateStage configures one stage. ApprovalsRequired is the quorum for
// parallel stages; zero means every task must approve. ReminderAfter and
// ExpireAfter schedule stage timers when nonzero.
type TemplateStage struct {
	ID                string
	StageNo           int
	Mode              StageMode
	ApprovalsRequired int
	RejectEndsStage   bool
	ReminderAfter     time.Duration
	ExpireAfter       time.Duration
}

type AssigneeKind string

const (
	AssigneePrincipal AssigneeKind = "principal"
	AssigneeGroup     AssigneeKind = "group"
)

// Assignee is the closed variant {Principal(id) | Group(id)}.
type Assignee struct {
	Kind AssigneeKind
	ID   string
}

func PrincipalAssignee(id string) Assignee { return Assignee{Kind: AssigneePrincipal, ID: id} }
func GroupAssignee(id string) Assignee    { return Assignee{Kind: AssigneeGroup, ID: id} }

// RoutingRule assigns a stage. Rules are tried in ascending priority and
// the first whose condition matches the record context wins.
type RoutingRule struct {
	ID        string
	StageID   string
	Priority  int
	Condition string // CEL, empty = always
	Assignee  Assignee
	VersionNo int
}
