package types

import "time"

const (
	ReasonRuleMatched      = "rule_matched"
	ReasonNoMatchingRule   = "no_matching_rule"
	ReasonRecordRequired   = "record_required"
	ReasonOwnershipFailed  = "ownership_required"
	ReasonModuleGateDenied = "module_gate_denied"
	ReasonEvaluationError  = "evaluation_error"
)

// Decision is the evaluator's answer. MatchedRuleID is empty for the
// default-deny path.
type Decision struct {
	Allow           bool
	Effect          Effect
	MatchedRuleID   string
	PolicyVersionID string
	Reason          string
	EvaluatedAt     time.Time
}

// DecisionLogEntry is the append-only audit row written for every
// evaluation, allow or deny.
type DecisionLogEntry struct {
	ID              string
	TenantID        string
	PrincipalID     string
	OperationCode   string
	EntityName      string
	EntityVersionID string
	RecordID        string
	Allow           bool
	MatchedRuleID   string
	PolicyVersionID string
	Reason          string
	DecidedAt       time.Time
}
