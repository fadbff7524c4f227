package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tidegrid/metacore/internal/routing"
	policyports "github.com/tidegrid/metacore/modules/policy/domain/ports"
	policyservices "github.com/tidegrid/metacore/modules/policy/services"
	schemaports "github.com/tidegrid/metacore/modules/schema/domain/ports"
	schemaservices "github.com/tidegrid/metacore/modules/schema/services"
)

type entityCompileRequest struct {
	EntityVersionID string `json:"entity_version_id"`
}

type entityCompileResponse struct {
	EntityVersionID string          `json:"entity_version_id"`
	Hash            string          `json:"hash"`
	Compiled        json.RawMessage `json:"compiled"`
}

func handleEntityCompileAPI(w http.ResponseWriter, r *http.Request, compiler *schemaservices.Compiler) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req entityCompileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.EntityVersionID = strings.TrimSpace(req.EntityVersionID)
	if req.EntityVersionID == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "entity_version_id required")
		return
	}

	snapshot, err := compiler.Compile(r.Context(), tenant.ID, req.EntityVersionID)
	if err != nil {
		if errors.Is(err, schemaports.ErrVersionNotFound) {
			routing.WriteError(w, r, http.StatusNotFound, "entity_version_not_found", "entity version not found")
			return
		}
		routing.RespondError(w, r, err)
		return
	}

	routing.WriteJSON(w, http.StatusOK, entityCompileResponse{
		EntityVersionID: snapshot.EntityVersionID,
		Hash:            snapshot.Hash,
		Compiled:        snapshot.CompiledJSON,
	})
}

type policyCompileRequest struct {
	PolicyVersionID string `json:"policy_version_id"`
}

type policyCompileResponse struct {
	PolicyVersionID string `json:"policy_version_id"`
	Hash            string `json:"hash"`
}

func handlePolicyCompileAPI(w http.ResponseWriter, r *http.Request, compiler *policyservices.PolicyCompiler) {
	tenant, ok := requireTenantPost(w, r)
	if !ok {
		return
	}

	var req policyCompileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.PolicyVersionID = strings.TrimSpace(req.PolicyVersionID)
	if req.PolicyVersionID == "" {
		routing.WriteError(w, r, http.StatusBadRequest, "validation_failed", "policy_version_id required")
		return
	}

	table, err := compiler.Compile(r.Context(), tenant.ID, req.PolicyVersionID)
	if err != nil {
		if errors.Is(err, policyports.ErrPolicyVersionNotFound) {
			routing.WriteError(w, r, http.StatusNotFound, "policy_version_not_found", "policy version not found")
			return
		}
		routing.RespondError(w, r, err)
		return
	}

	routing.WriteJSON(w, http.StatusOK, policyCompileResponse{
		PolicyVersionID: table.PolicyVersionID,
		Hash:            table.Hash,
	})
}

func requireTenantPost(w http.ResponseWriter, r *http.Request) (Tenant, bool) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return Tenant{}, false
	}
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return Tenant{}, false
	}
	return tenant, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return false
	}
	return true
}
