package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tidegrid/metacore/internal/routing"
	approvalports "github.com/tidegrid/metacore/modules/approval/domain/ports"
	approvaltypes "github.com/tidegrid/metacore/modules/approval/domain/types"
	approvalservices "github.com/tidegrid/metacore/modules/approval/services"
)

type approvalDecideRequest struct {
	TaskID  string `json:"task_id"`
	Outcome string `json:"outcome"`
	Note    string `json:"note,omitempty"`
	ActorID string `json:"actor_id"`
}

type approvalDecideResponse struct {
	StageStatus string `json:"stage_status"`
}

func handleApprovalDecideAPI(w http.ResponseWriter, r *http.Request, decider *approvalservices.Decider) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req approvalDecideRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.Outcome = strings.ToLower(strings.TrimSpace(req.Outcome))
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.TaskID == "" || req.Outcome == "" || req.ActorID == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "task_id, outcome and actor_id required")
		return
	}

	status, err := decider.DecideTask(r.Context(), tenant.ID, req.TaskID, approvaltypes.Outcome(req.Outcome), req.Note, req.ActorID)
	if err != nil {
		if errors.Is(err, approvalports.ErrTaskNotFound) {
			routing.WriteError(w, r, http.StatusNotFound, "task_not_found", "task not found")
			return
		}
		routing.RespondError(w, r, err)
		return
	}

	routing.WriteJSON(w, http.StatusOK, approvalDecideResponse{StageStatus: string(status)})
}

type approvalCancelRequest struct {
	ApprovalID string `json:"approval_id"`
	ActorID    string `json:"actor_id"`
}

func handleApprovalCancelAPI(w http.ResponseWriter, r *http.Request, decider *approvalservices.Decider) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req approvalCancelRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ApprovalID = strings.TrimSpace(req.ApprovalID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ApprovalID == "" || req.ActorID == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "approval_id and actor_id required")
		return
	}

	if err := decider.Cancel(r.Context(), tenant.ID, req.ApprovalID, req.ActorID); err != nil {
		if errors.Is(err, approvalports.ErrInstanceNotFound) {
			routing.WriteError(w, r, http.StatusNotFound, "approval_not_found", "approval not found")
			return
		}
		routing.RespondError(w, r, err)
		return
	}

	routing.WriteJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}
