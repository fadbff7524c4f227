package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	approvaltypes "github.com/tidegrid/metacore/modules/approval/domain/types"
	lifecycletypes "github.com/tidegrid/metacore/modules/lifecycle/domain/types"
	policytypes "github.com/tidegrid/metacore/modules/policy/domain/types"
	schematypes "github.com/tidegrid/metacore/modules/schema/domain/types"
)

const (
	testTenantID = "0d4e7a52-5a11-4b7e-8d70-6a0a6a1e9c01"
	testHost     = "acme.localhost"
)

type serverFixture struct {
	handler   http.Handler
	approvals *fakeApprovalStore
	instances *fakeInstanceStore
	decisions *fakeDecisionLog
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	schemaStore := &fakeSchemaStore{
		versions: map[string]schematypes.EntityVersion{
			"ev-1": {
				ID:         "ev-1",
				EntityID:   "ent-1",
				EntityName: "invoice",
				VersionNo:  1,
				Status:     schematypes.VersionPublished,
				Fields: []schematypes.FieldDef{
					{Name: "amount", Type: "number", Required: true},
				},
			},
		},
		overlays: []schematypes.Overlay{
			{
				ID:           "ov-1",
				TenantID:     testTenantID,
				Name:         "po reference",
				BaseEntityID: "ent-1",
				Priority:     10,
				Active:       true,
				Changes: []schematypes.OverlayChange{
					{
						ID:          "ch-1",
						OverlayID:   "ov-1",
						ChangeOrder: 1,
						Kind:        schematypes.ChangeAddField,
						Payload:     json.RawMessage(`{"field":{"name":"po_ref","type":"string"}}`),
					},
				},
			},
		},
	}

	allowRule := policytypes.PermissionRule{
		ID:          "r-1",
		ScopeType:   policytypes.ScopeGlobal,
		SubjectType: policytypes.SubjectRole,
		SubjectKey:  "clerk",
		Effect:      policytypes.EffectAllow,
		Priority:    100,
		Operations: []policytypes.RuleOperation{
			{OperationCode: "read"},
			{OperationCode: "submit"},
			{OperationCode: "approve"},
		},
	}
	policyStore := &fakePolicyStore{
		versions: map[string]policytypes.PolicyVersion{
			"pv-1":     {ID: "pv-1", PolicyID: "pol-1", VersionNo: 1, Status: policytypes.PolicyPublished, Rules: []policytypes.PermissionRule{allowRule}},
			"pv-draft": {ID: "pv-draft", PolicyID: "pol-1", VersionNo: 2, Status: policytypes.PolicyDraft},
		},
		activeID: "pv-1",
	}
	catalog := &fakeCatalog{ops: []policytypes.Operation{
		{Code: "read", CategoryCode: "core", ModuleKey: "billing"},
		{Code: "submit", CategoryCode: "core", ModuleKey: "billing"},
		{Code: "approve", CategoryCode: "core", ModuleKey: "billing"},
	}}
	source := &fakeEntitlementSource{bundles: map[string]policytypes.EntitlementSnapshot{
		"p-1": {RoleSlugs: []string{"clerk"}},
	}}

	definitions := &fakeDefinitionStore{
		lifecycles: map[string]lifecycletypes.Lifecycle{
			"lc-1": {
				ID:             "lc-1",
				TenantID:       testTenantID,
				Name:           "purchase order",
				VersionNo:      1,
				InitialStateID: "st-draft",
				States: []lifecycletypes.State{
					{ID: "st-draft", Code: "DRAFT"},
					{ID: "st-pending", Code: "PENDING"},
					{ID: "st-approved", Code: "APPROVED", IsTerminal: true},
				},
				Transitions: []lifecycletypes.Transition{
					{
						ID: "tr-submit", FromStateID: "st-draft", ToStateID: "st-pending", OperationCode: "submit",
						Gate: &lifecycletypes.TransitionGate{RequiredOperations: []string{"submit"}},
					},
					{
						ID: "tr-approve", FromStateID: "st-pending", ToStateID: "st-approved", OperationCode: "approve",
						Gate: &lifecycletypes.TransitionGate{ApprovalTemplateID: "tpl-1"},
					},
				},
			},
		},
		bindings: map[string][]lifecycletypes.Binding{
			"purchase_order": {{ID: "b-1", TenantID: testTenantID, EntityName: "purchase_order", LifecycleID: "lc-1", Priority: 10}},
		},
	}

	templates := &fakeTemplateStore{
		templates: map[string]approvaltypes.Template{
			"tpl-1": {
				ID: "tpl-1", TenantID: testTenantID, Name: "po approval", VersionNo: 1,
				Stages: []approvaltypes.TemplateStage{
					{ID: "ts-1", StageNo: 1, Mode: approvaltypes.StageSerial},
				},
			},
		},
		rules: map[string][]approvaltypes.RoutingRule{
			"ts-1": {{ID: "rr-1", StageID: "ts-1", Priority: 10, Assignee: approvaltypes.PrincipalAssignee("cfo"), VersionNo: 1}},
		},
	}

	f := &serverFixture{
		approvals: newFakeApprovalStore(),
		instances: &fakeInstanceStore{instances: map[string]lifecycletypes.Instance{}},
		decisions: &fakeDecisionLog{},
	}

	handler, err := NewHandlerWithOptions(HandlerOptions{
		TenancyResolver: newStaticTenancyResolver(map[string]Tenant{
			testHost: {ID: testTenantID, Domain: testHost, Name: "Acme"},
		}),
		SchemaStore:           schemaStore,
		SnapshotStore:         &fakeSnapshotStore{byHash: map[string]schematypes.CompiledEntitySnapshot{}},
		PolicyStore:           policyStore,
		OperationCatalog:      catalog,
		CompiledPolicyStore:   &fakeCompiledStore{byVersion: map[string]policytypes.CompiledPolicyTable{}},
		EntitlementSource:     source,
		EntitlementCacheStore: &fakeEntitlementCacheStore{m: map[string]policytypes.EntitlementSnapshot{}},
		DecisionLog:           f.decisions,
		DefinitionStore:       definitions,
		InstanceStore:         f.instances,
		EventLog:              &fakeEventLog{},
		TemplateStore:         templates,
		ApprovalStore:         f.approvals,
		StageLocker:           f.approvals,
		GroupDirectory:        &fakeGroups{members: map[string][]string{}},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	f.handler = handler
	return f
}

func (f *serverFixture) post(t *testing.T, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	r.Host = testHost
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealthBypassesTenancy(t *testing.T) {
	f := newServerFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Host = "unknown.example"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUnknownHostIsRejected(t *testing.T) {
	f := newServerFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/internal/permissions/evaluate", strings.NewReader(`{}`))
	r.Host = "unknown.example"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env["code"] != "tenant_not_found" {
		t.Fatalf("code = %v", env["code"])
	}
}

func TestEntityCompileEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w, resp := f.post(t, "/internal/entities/compile", map[string]any{"entity_version_id": "ev-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if resp["hash"] == "" || resp["hash"] == nil {
		t.Fatalf("hash missing: %v", resp)
	}
	compiled, err := json.Marshal(resp["compiled"])
	if err != nil {
		t.Fatalf("re-marshal compiled: %v", err)
	}
	if !strings.Contains(string(compiled), "po_ref") {
		t.Fatalf("compiled doc missing overlay field: %s", compiled)
	}

	w, resp = f.post(t, "/internal/entities/compile", map[string]any{"entity_version_id": "ev-missing"})
	if w.Code != http.StatusNotFound || resp["code"] != "entity_version_not_found" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}

	w, resp = f.post(t, "/internal/entities/compile", map[string]any{})
	if w.Code != http.StatusBadRequest || resp["code"] != "validation_failed" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}

func TestPolicyCompileEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w, resp := f.post(t, "/internal/policies/compile", map[string]any{"policy_version_id": "pv-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if resp["hash"] == "" || resp["hash"] == nil {
		t.Fatalf("hash missing: %v", resp)
	}

	w, resp = f.post(t, "/internal/policies/compile", map[string]any{"policy_version_id": "pv-draft"})
	if w.Code != http.StatusConflict || resp["code"] != "policy_not_published" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}

func TestPermissionsEvaluateEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w, resp := f.post(t, "/internal/permissions/evaluate", map[string]any{
		"principal_id": "p-1",
		"operation":    "read",
		"entity":       "invoice",
		"record_id":    "rec-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if resp["allow"] != true || resp["matched_rule_id"] != "r-1" {
		t.Fatalf("decision = %v", resp)
	}

	w, resp = f.post(t, "/internal/permissions/evaluate", map[string]any{
		"principal_id": "p-nobody",
		"operation":    "read",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["allow"] != false || resp["reason"] != "no_matching_rule" {
		t.Fatalf("decision = %v", resp)
	}
	if len(f.decisions.entries) != 2 {
		t.Fatalf("decision log entries = %d", len(f.decisions.entries))
	}

	w, resp = f.post(t, "/internal/permissions/evaluate", map[string]any{"operation": "read"})
	if w.Code != http.StatusBadRequest || resp["code"] != "validation_failed" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}

func TestLifecycleTransitionEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w, resp := f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity":    "purchase_order",
		"record_id": "po-1",
		"operation": "submit",
		"actor_id":  "p-1",
		"record":    map[string]any{"amount": 120.0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if resp["status"] != "applied" || resp["new_state"] != "st-pending" {
		t.Fatalf("transition = %v", resp)
	}

	// Actor without the submit grant is refused by the permission gate.
	w, resp = f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity":    "purchase_order",
		"record_id": "po-2",
		"operation": "submit",
		"actor_id":  "p-nobody",
		"record":    map[string]any{"amount": 120.0},
	})
	if w.Code != http.StatusUnprocessableEntity || resp["code"] != "gate_not_satisfied" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}

	// approve is not an edge out of DRAFT.
	w, resp = f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity":    "purchase_order",
		"record_id": "po-3",
		"operation": "approve",
		"actor_id":  "p-1",
	})
	if w.Code != http.StatusConflict || resp["code"] != "invalid_transition" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}

func TestApprovalFlowAcrossEndpoints(t *testing.T) {
	f := newServerFixture(t)

	w, _ := f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity":    "purchase_order",
		"record_id": "po-1",
		"operation": "submit",
		"actor_id":  "p-1",
		"record":    map[string]any{"amount": 120.0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d body = %s", w.Code, w.Body.String())
	}

	w, resp := f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity":    "purchase_order",
		"record_id": "po-1",
		"operation": "approve",
		"actor_id":  "p-1",
		"record":    map[string]any{"amount": 120.0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", w.Code, w.Body.String())
	}
	approvalID, _ := resp["pending_approval_id"].(string)
	if resp["status"] != "pending_approval" || approvalID == "" {
		t.Fatalf("transition = %v", resp)
	}

	task, err := f.approvals.openTaskFor(approvalID)
	if err != nil {
		t.Fatalf("open task: %v", err)
	}
	if task.PrincipalID != "cfo" {
		t.Fatalf("task assigned to %s", task.PrincipalID)
	}

	w, resp = f.post(t, "/internal/approvals/tasks/decide", map[string]any{
		"task_id":  task.ID,
		"outcome":  "approve",
		"note":     "ok",
		"actor_id": "cfo",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("decide status = %d body = %s", w.Code, w.Body.String())
	}
	if resp["stage_status"] != "approved" {
		t.Fatalf("stage_status = %v", resp["stage_status"])
	}

	// The resolution callback moved the lifecycle instance forward.
	instance, err := f.instances.GetInstance(context.Background(), testTenantID, "purchase_order", "po-1")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if instance.StateID != "st-approved" || instance.PendingApprovalID != "" {
		t.Fatalf("instance = %+v", instance)
	}

	// Canceling a resolved approval is refused.
	w, resp = f.post(t, "/internal/approvals/cancel", map[string]any{
		"approval_id": approvalID,
		"actor_id":    "p-1",
	})
	if w.Code != http.StatusBadRequest || resp["code"] != "validation_failed" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}

func TestApprovalCancelEndpoint(t *testing.T) {
	f := newServerFixture(t)

	f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity": "purchase_order", "record_id": "po-9", "operation": "submit", "actor_id": "p-1",
		"record": map[string]any{"amount": 10.0},
	})
	_, resp := f.post(t, "/internal/lifecycle/transition", map[string]any{
		"entity": "purchase_order", "record_id": "po-9", "operation": "approve", "actor_id": "p-1",
		"record": map[string]any{"amount": 10.0},
	})
	approvalID, _ := resp["pending_approval_id"].(string)
	if approvalID == "" {
		t.Fatalf("no approval started: %v", resp)
	}

	w, resp := f.post(t, "/internal/approvals/cancel", map[string]any{
		"approval_id": approvalID,
		"actor_id":    "p-1",
	})
	if w.Code != http.StatusOK || resp["status"] != "canceled" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}

	// The lifecycle instance stays in PENDING with the marker cleared.
	instance, err := f.instances.GetInstance(context.Background(), testTenantID, "purchase_order", "po-9")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if instance.StateID != "st-pending" || instance.PendingApprovalID != "" {
		t.Fatalf("instance = %+v", instance)
	}

	w, resp = f.post(t, "/internal/approvals/cancel", map[string]any{
		"approval_id": "ap-missing",
		"actor_id":    "p-1",
	})
	if w.Code != http.StatusNotFound || resp["code"] != "approval_not_found" {
		t.Fatalf("status = %d resp = %v", w.Code, resp)
	}
}
