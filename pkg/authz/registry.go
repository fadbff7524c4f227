package authz

const (
	PersonaPlatformAdmin = "platform-admin"
	PersonaAnonymous     = "anonymous"
)

const DomainGlobal = "global"

// Module objects the front gate knows about. Fine-grained scopes below
// module level are the evaluator's business.
const (
	ObjectSchemaEntities    = "schema.entities"
	ObjectSchemaOverlays    = "schema.overlays"
	ObjectPolicyPolicies    = "policy.policies"
	ObjectPolicyDecisions   = "policy.decisions"
	ObjectLifecycleMachines = "lifecycle.machines"
	ObjectLifecycleRecords  = "lifecycle.records"
	ObjectApprovalTemplates = "approval.templates"
	ObjectApprovalTasks     = "approval.tasks"
)
