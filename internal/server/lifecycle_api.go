package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tidegrid/metacore/internal/routing"
	lifecycleports "github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	lifecycleservices "github.com/tidegrid/metacore/modules/lifecycle/services"
)

type lifecycleTransitionRequest struct {
	Entity          string         `json:"entity"`
	RecordID        string         `json:"record_id"`
	Operation       string         `json:"operation"`
	ActorID         string         `json:"actor_id"`
	InstanceVersion int64          `json:"instance_version,omitempty"`
	Record          map[string]any `json:"record,omitempty"`
}

type lifecycleTransitionResponse struct {
	Status            string `json:"status"`
	NewState          string `json:"new_state,omitempty"`
	PendingApprovalID string `json:"pending_approval_id,omitempty"`
	InstanceVersion   int64  `json:"instance_version"`
}

func handleLifecycleTransitionAPI(w http.ResponseWriter, r *http.Request, engine *lifecycleservices.Engine) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req lifecycleTransitionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.Entity = strings.TrimSpace(req.Entity)
	req.RecordID = strings.TrimSpace(req.RecordID)
	req.Operation = strings.TrimSpace(req.Operation)
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.Entity == "" || req.RecordID == "" || req.Operation == "" || req.ActorID == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "entity, record_id, operation and actor_id required")
		return
	}

	result, err := engine.Transition(r.Context(), tenant.ID, lifecycleservices.TransitionRequest{
		EntityName:      req.Entity,
		RecordID:        req.RecordID,
		OperationCode:   req.Operation,
		ActorID:         req.ActorID,
		InstanceVersion: req.InstanceVersion,
		Record:          req.Record,
	})
	if err != nil {
		if errors.Is(err, lifecycleports.ErrLifecycleNotFound) {
			routing.WriteError(w, r, http.StatusNotFound, "lifecycle_not_found", "lifecycle not found")
			return
		}
		routing.RespondError(w, r, err)
		return
	}

	resp := lifecycleTransitionResponse{InstanceVersion: result.InstanceVersion}
	if result.PendingApprovalID != "" {
		resp.Status = "pending_approval"
		resp.PendingApprovalID = result.PendingApprovalID
	} else {
		resp.Status = "applied"
		resp.NewState = result.NewStateID
	}
	routing.WriteJSON(w, http.StatusOK, resp)
}
