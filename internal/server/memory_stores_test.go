package server

import (
	"context"
	"fmt"
	"sync"

	approvalports "github.com/tidegrid/metacore/modules/approval/domain/ports"
	approvaltypes "github.com/tidegrid/metacore/modules/approval/domain/types"
	lifecycleports "github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	lifecycletypes "github.com/tidegrid/metacore/modules/lifecycle/domain/types"
	policyports "github.com/tidegrid/metacore/modules/policy/domain/ports"
	policytypes "github.com/tidegrid/metacore/modules/policy/domain/types"
	schemaports "github.com/tidegrid/metacore/modules/schema/domain/ports"
	schematypes "github.com/tidegrid/metacore/modules/schema/domain/types"
)

type fakeSchemaStore struct {
	versions map[string]schematypes.EntityVersion
	overlays []schematypes.Overlay
}

func (s *fakeSchemaStore) GetEntityVersion(_ context.Context, _ string, versionID string) (schematypes.EntityVersion, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return schematypes.EntityVersion{}, schemaports.ErrVersionNotFound
	}
	return v, nil
}

func (s *fakeSchemaStore) ListActiveOverlays(_ context.Context, _ string, entityID string, versionID string) ([]schematypes.Overlay, error) {
	var out []schematypes.Overlay
	for _, o := range s.overlays {
		if o.BaseEntityID != entityID || !o.Active {
			continue
		}
		if o.BaseVersionID != "" && o.BaseVersionID != versionID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

type fakeSnapshotStore struct {
	mu     sync.Mutex
	byHash map[string]schematypes.CompiledEntitySnapshot
}

func (s *fakeSnapshotStore) GetSnapshotByHash(_ context.Context, _ string, hash string) (schematypes.CompiledEntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.byHash[hash]
	if !ok {
		return schematypes.CompiledEntitySnapshot{}, schemaports.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (s *fakeSnapshotStore) InsertSnapshot(_ context.Context, snapshot schematypes.CompiledEntitySnapshot) (schematypes.CompiledEntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byHash[snapshot.Hash]; ok {
		return existing, nil
	}
	s.byHash[snapshot.Hash] = snapshot
	return snapshot, nil
}

type fakePolicyStore struct {
	versions map[string]policytypes.PolicyVersion
	activeID string
}

func (s *fakePolicyStore) GetPolicyVersion(_ context.Context, _ string, versionID string) (policytypes.PolicyVersion, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return policytypes.PolicyVersion{}, policyports.ErrPolicyVersionNotFound
	}
	return v, nil
}

func (s *fakePolicyStore) ActivePolicyVersionID(_ context.Context, _ string) (string, error) {
	if s.activeID == "" {
		return "", policyports.ErrNoActivePolicy
	}
	return s.activeID, nil
}

type fakeCatalog struct {
	ops []policytypes.Operation
}

func (c *fakeCatalog) ListOperations(_ context.Context, _ string) ([]policytypes.Operation, error) {
	return c.ops, nil
}

type fakeCompiledStore struct {
	mu        sync.Mutex
	byVersion map[string]policytypes.CompiledPolicyTable
}

func (s *fakeCompiledStore) GetCompiledByVersion(_ context.Context, _ string, policyVersionID string) (policytypes.CompiledPolicyTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.byVersion[policyVersionID]
	if !ok {
		return policytypes.CompiledPolicyTable{}, policyports.ErrCompiledTableNotFound
	}
	return table, nil
}

func (s *fakeCompiledStore) InsertCompiled(_ context.Context, table policytypes.CompiledPolicyTable) (policytypes.CompiledPolicyTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byVersion[table.PolicyVersionID]; ok {
		return existing, nil
	}
	s.byVersion[table.PolicyVersionID] = table
	return table, nil
}

type fakeEntitlementSource struct {
	bundles map[string]policytypes.EntitlementSnapshot
	ouNodes []policytypes.OUNode
}

func (s *fakeEntitlementSource) ResolveEntitlements(_ context.Context, tenantID string, principalID string) (policytypes.EntitlementSnapshot, error) {
	bundle, ok := s.bundles[principalID]
	if !ok {
		bundle = policytypes.EntitlementSnapshot{}
	}
	bundle.TenantID = tenantID
	bundle.PrincipalID = principalID
	return bundle, nil
}

func (s *fakeEntitlementSource) ListOUNodes(_ context.Context, _ string) ([]policytypes.OUNode, error) {
	return s.ouNodes, nil
}

type fakeEntitlementCacheStore struct {
	mu sync.Mutex
	m  map[string]policytypes.EntitlementSnapshot
}

func (s *fakeEntitlementCacheStore) Get(_ context.Context, _ string, principalID string) (policytypes.EntitlementSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.m[principalID]
	if !ok {
		return policytypes.EntitlementSnapshot{}, policyports.ErrEntitlementNotCached
	}
	return snapshot, nil
}

func (s *fakeEntitlementCacheStore) Upsert(_ context.Context, snapshot policytypes.EntitlementSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[snapshot.PrincipalID] = snapshot
	return nil
}

type fakeDecisionLog struct {
	mu      sync.Mutex
	entries []policytypes.DecisionLogEntry
}

func (l *fakeDecisionLog) Append(_ context.Context, entry policytypes.DecisionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

type fakeDefinitionStore struct {
	lifecycles map[string]lifecycletypes.Lifecycle
	bindings   map[string][]lifecycletypes.Binding
}

func (s *fakeDefinitionStore) GetLifecycle(_ context.Context, _ string, lifecycleID string) (lifecycletypes.Lifecycle, error) {
	lc, ok := s.lifecycles[lifecycleID]
	if !ok {
		return lifecycletypes.Lifecycle{}, lifecycleports.ErrLifecycleNotFound
	}
	return lc, nil
}

func (s *fakeDefinitionStore) ListBindings(_ context.Context, _ string, entityName string) ([]lifecycletypes.Binding, error) {
	return s.bindings[entityName], nil
}

type fakeInstanceStore struct {
	mu        sync.Mutex
	instances map[string]lifecycletypes.Instance // entity/record -> instance
}

func instanceKey(entityName, recordID string) string {
	return entityName + "/" + recordID
}

func (s *fakeInstanceStore) GetInstance(_ context.Context, _ string, entityName string, recordID string) (lifecycletypes.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceKey(entityName, recordID)]
	if !ok {
		return lifecycletypes.Instance{}, lifecycleports.ErrInstanceNotFound
	}
	return instance, nil
}

func (s *fakeInstanceStore) GetInstanceByApproval(_ context.Context, _ string, approvalID string) (lifecycletypes.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range s.instances {
		if instance.PendingApprovalID == approvalID {
			return instance, nil
		}
	}
	return lifecycletypes.Instance{}, lifecycleports.ErrInstanceNotFound
}

func (s *fakeInstanceStore) CreateInstance(_ context.Context, instance lifecycletypes.Instance) (lifecycletypes.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(instance.EntityName, instance.RecordID)
	if existing, ok := s.instances[key]; ok {
		return existing, nil
	}
	s.instances[key] = instance
	return instance, nil
}

func (s *fakeInstanceStore) UpdateInstance(_ context.Context, instance lifecycletypes.Instance, expectedVersion int64) (lifecycletypes.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(instance.EntityName, instance.RecordID)
	current, ok := s.instances[key]
	if !ok {
		return lifecycletypes.Instance{}, lifecycleports.ErrInstanceNotFound
	}
	if current.Version != expectedVersion {
		return lifecycletypes.Instance{}, lifecycleports.ErrVersionConflict
	}
	instance.Version = expectedVersion + 1
	s.instances[key] = instance
	return instance, nil
}

type fakeEventLog struct {
	mu     sync.Mutex
	events []lifecycletypes.Event
}

func (l *fakeEventLog) Append(_ context.Context, event lifecycletypes.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

type fakeTemplateStore struct {
	templates map[string]approvaltypes.Template
	rules     map[string][]approvaltypes.RoutingRule
}

func (s *fakeTemplateStore) GetTemplate(_ context.Context, _ string, templateID string) (approvaltypes.Template, error) {
	tpl, ok := s.templates[templateID]
	if !ok {
		return approvaltypes.Template{}, approvalports.ErrTemplateNotFound
	}
	return tpl, nil
}

func (s *fakeTemplateStore) ListRoutingRules(_ context.Context, _ string, templateStageID string) ([]approvaltypes.RoutingRule, error) {
	return s.rules[templateStageID], nil
}

// fakeApprovalStore implements ApprovalStore and StageLocker.
type fakeApprovalStore struct {
	mu         sync.Mutex
	stageLocks map[string]*sync.Mutex

	instances map[string]approvaltypes.Instance
	stages    map[string]approvaltypes.StageInstance
	tasks     map[string]approvaltypes.Task
	snapshots []approvaltypes.AssignmentSnapshot
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		stageLocks: map[string]*sync.Mutex{},
		instances:  map[string]approvaltypes.Instance{},
		stages:     map[string]approvaltypes.StageInstance{},
		tasks:      map[string]approvaltypes.Task{},
	}
}

func (s *fakeApprovalStore) WithStageLock(ctx context.Context, _ string, stageInstanceID string, fn func(context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.stageLocks[stageInstanceID]
	if !ok {
		lock = &sync.Mutex{}
		s.stageLocks[stageInstanceID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *fakeApprovalStore) CreateInstance(_ context.Context, instance approvaltypes.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *fakeApprovalStore) GetInstance(_ context.Context, _ string, instanceID string) (approvaltypes.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return approvaltypes.Instance{}, approvalports.ErrInstanceNotFound
	}
	return instance, nil
}

func (s *fakeApprovalStore) UpdateInstance(_ context.Context, instance approvaltypes.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *fakeApprovalStore) CreateStages(_ context.Context, stages []approvaltypes.StageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stage := range stages {
		s.stages[stage.ID] = stage
	}
	return nil
}

func (s *fakeApprovalStore) GetStage(_ context.Context, _ string, stageInstanceID string) (approvaltypes.StageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, ok := s.stages[stageInstanceID]
	if !ok {
		return approvaltypes.StageInstance{}, approvalports.ErrStageNotFound
	}
	return stage, nil
}

func (s *fakeApprovalStore) UpdateStage(_ context.Context, stage approvaltypes.StageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage.ID] = stage
	return nil
}

func (s *fakeApprovalStore) ListStages(_ context.Context, _ string, instanceID string) ([]approvaltypes.StageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approvaltypes.StageInstance
	for _, stage := range s.stages {
		if stage.InstanceID == instanceID {
			out = append(out, stage)
		}
	}
	return out, nil
}

func (s *fakeApprovalStore) CreateTasks(_ context.Context, tasks []approvaltypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return nil
}

func (s *fakeApprovalStore) GetTask(_ context.Context, _ string, taskID string) (approvaltypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return approvaltypes.Task{}, approvalports.ErrTaskNotFound
	}
	return task, nil
}

func (s *fakeApprovalStore) UpdateTask(_ context.Context, task approvaltypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *fakeApprovalStore) ListStageTasks(_ context.Context, _ string, stageInstanceID string) ([]approvaltypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approvaltypes.Task
	for _, task := range s.tasks {
		if task.StageInstanceID == stageInstanceID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeApprovalStore) AppendSnapshots(_ context.Context, snapshots []approvaltypes.AssignmentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshots...)
	return nil
}

func (s *fakeApprovalStore) ListStageSnapshots(_ context.Context, _ string, stageInstanceID string) ([]approvaltypes.AssignmentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approvaltypes.AssignmentSnapshot
	for _, snapshot := range s.snapshots {
		if snapshot.StageInstanceID == stageInstanceID {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

func (s *fakeApprovalStore) AppendEscalation(_ context.Context, _ approvaltypes.Escalation) error {
	return nil
}

func (s *fakeApprovalStore) AppendEvent(_ context.Context, _ approvaltypes.Event) error {
	return nil
}

// openTaskFor finds the single open task of an approval instance.
func (s *fakeApprovalStore) openTaskFor(instanceID string) (approvaltypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.InstanceID == instanceID && task.Status == approvaltypes.TaskOpen {
			return task, nil
		}
	}
	return approvaltypes.Task{}, fmt.Errorf("no open task for instance %s", instanceID)
}

type fakeGroups struct {
	members map[string][]string
}

func (g *fakeGroups) ListGroupMembers(_ context.Context, _ string, groupID string) ([]string, error) {
	return g.members[groupID], nil
}
