package types

import (
	"encoding/json"
	"time"
)

// CompiledPolicyTable is the content-addressed decision table built from
// one published policy version: rules indexed by
// (scope_type, scope_key, subject_type, subject_key), ordered by
// ascending priority.
type CompiledPolicyTable struct {
	ID              string
	TenantID        string
	PolicyVersionID string
	Hash            string
	Index           map[string][]CompiledRule
	CreatedAt       time.Time
}

type CompiledRule struct {
	RuleID     string                    `json:"rule_id"`
	Effect     Effect                    `json:"effect"`
	Priority   int                       `json:"priority"`
	Condition  string                    `json:"condition,omitempty"`
	Operations map[string]ConstraintType `json:"operations"`
}

// IndexKey builds the lookup key the evaluator probes with.
func IndexKey(scope ScopeType, scopeKey string, subject SubjectType, subjectKey string) string {
	return string(scope) + "|" + scopeKey + "|" + string(subject) + "|" + subjectKey
}

func (t CompiledPolicyTable) MarshalIndex() (json.RawMessage, error) {
	return json.Marshal(t.Index)
}

func UnmarshalIndex(raw json.RawMessage) (map[string][]CompiledRule, error) {
	var idx map[string][]CompiledRule
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	return idx, nil
}
