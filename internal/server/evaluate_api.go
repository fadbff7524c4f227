package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidegrid/metacore/internal/routing"
	policyservices "github.com/tidegrid/metacore/modules/policy/services"
)

type permissionsEvaluateRequest struct {
	PrincipalID     string         `json:"principal_id"`
	Operation       string         `json:"operation"`
	Module          string         `json:"module,omitempty"`
	Entity          string         `json:"entity,omitempty"`
	EntityVersionID string         `json:"entity_version_id,omitempty"`
	RecordID        string         `json:"record_id,omitempty"`
	Record          map[string]any `json:"record,omitempty"`
}

type permissionsEvaluateResponse struct {
	Allow           bool      `json:"allow"`
	Effect          string    `json:"effect"`
	Reason          string    `json:"reason"`
	MatchedRuleID   string    `json:"matched_rule_id,omitempty"`
	PolicyVersionID string    `json:"policy_version_id,omitempty"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

func handlePermissionsEvaluateAPI(w http.ResponseWriter, r *http.Request, evaluator *policyservices.Evaluator) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req permissionsEvaluateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	req.Operation = strings.TrimSpace(req.Operation)
	if req.PrincipalID == "" || req.Operation == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "principal_id and operation required")
		return
	}

	decision, err := evaluator.Evaluate(r.Context(), tenant.ID, policyservices.EvalRequest{
		PrincipalID:     req.PrincipalID,
		OperationCode:   req.Operation,
		ModuleKey:       strings.TrimSpace(req.Module),
		EntityName:      strings.TrimSpace(req.Entity),
		EntityVersionID: strings.TrimSpace(req.EntityVersionID),
		RecordID:        strings.TrimSpace(req.RecordID),
		Record:          req.Record,
	})
	if err != nil {
		routing.RespondError(w, r, err)
		return
	}

	routing.WriteJSON(w, http.StatusOK, permissionsEvaluateResponse{
		Allow:           decision.Allow,
		Effect:          string(decision.Effect),
		Reason:          decision.Reason,
		MatchedRuleID:   decision.MatchedRuleID,
		PolicyVersionID: decision.PolicyVersionID,
		EvaluatedAt:     decision.EvaluatedAt,
	})
}
