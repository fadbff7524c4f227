package services

import (
	"context"
	"sync"
	"time"

	"github.com/tidegrid/metacore/modules/approval/domain/ports"
	"github.com/tidegrid/metacore/modules/approval/domain/types"
)

type memoryTemplateStore struct {
	templates map[string]types.Template
	rules     map[string][]types.RoutingRule // template stage id -> rules
}

func (s *memoryTemplateStore) GetTemplate(_ context.Context, _ string, templateID string) (types.Template, error) {
	tpl, ok := s.templates[templateID]
	if !ok {
		return types.Template{}, ports.ErrTemplateNotFound
	}
	return tpl, nil
}

func (s *memoryTemplateStore) ListRoutingRules(_ context.Context, _ string, templateStageID string) ([]types.RoutingRule, error) {
	return s.rules[templateStageID], nil
}

// memoryApprovalStore implements ApprovalStore and StageLocker.
type memoryApprovalStore struct {
	mu         sync.Mutex
	stageLocks map[string]*sync.Mutex

	instances   map[string]types.Instance
	stages      map[string]types.StageInstance
	tasks       map[string]types.Task
	snapshots   []types.AssignmentSnapshot
	escalations []types.Escalation
	events      []types.Event
}

func newMemoryApprovalStore() *memoryApprovalStore {
	return &memoryApprovalStore{
		stageLocks: map[string]*sync.Mutex{},
		instances:  map[string]types.Instance{},
		stages:     map[string]types.StageInstance{},
		tasks:      map[string]types.Task{},
	}
}

func (s *memoryApprovalStore) WithStageLock(ctx context.Context, _ string, stageInstanceID string, fn func(context.Context) error) error {
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

func (s *memoryApprovalStore) CreateInstance(_ context.Context, instance types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *memoryApprovalStore) GetInstance(_ context.Context, _ string, instanceID string) (types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return types.Instance{}, ports.ErrInstanceNotFound
	}
	return instance, nil
}

func (s *memoryApprovalStore) UpdateInstance(_ context.Context, instance types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *memoryApprovalStore) CreateStages(_ context.Context, stages []types.StageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stage := range stages {
		s.stages[stage.ID] = stage
	}
	return nil
}

func (s *memoryApprovalStore) GetStage(_ context.Context, _ string, stageInstanceID string) (types.StageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, ok := s.stages[stageInstanceID]
	if !ok {
		return types.StageInstance{}, ports.ErrStageNotFound
	}
	return stage, nil
}

func (s *memoryApprovalStore) UpdateStage(_ context.Context, stage types.StageInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage.ID] = stage
	return nil
}

func (s *memoryApprovalStore) ListStages(_ context.Context, _ string, instanceID string) ([]types.StageInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.StageInstance
	for _, stage := range s.stages {
		if stage.InstanceID == instanceID {
			out = append(out, stage)
		}
	}
	return out, nil
}

func (s *memoryApprovalStore) CreateTasks(_ context.Context, tasks []types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return nil
}

func (s *memoryApprovalStore) GetTask(_ context.Context, _ string, taskID string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return types.Task{}, ports.ErrTaskNotFound
	}
	return task, nil
}

func (s *memoryApprovalStore) UpdateTask(_ context.Context, task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *memoryApprovalStore) ListStageTasks(_ context.Context, _ string, stageInstanceID string) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, task := range s.tasks {
		if task.StageInstanceID == stageInstanceID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *memoryApprovalStore) AppendSnapshots(_ context.Context, snapshots []types.AssignmentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshots...)
	return nil
}

func (s *memoryApprovalStore) ListStageSnapshots(_ context.Context, _ string, stageInstanceID string) ([]types.AssignmentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AssignmentSnapshot
	for _, snapshot := range s.snapshots {
		if snapshot.StageInstanceID == stageInstanceID {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

func (s *memoryApprovalStore) AppendEscalation(_ context.Context, escalation types.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, escalation)
	return nil
}

func (s *memoryApprovalStore) AppendEvent(_ context.Context, event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryApprovalStore) openTasks(stageInstanceID string) []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, task := range s.tasks {
		if task.StageInstanceID == stageInstanceID && task.Status == types.TaskOpen {
			out = append(out, task)
		}
	}
	return out
}

type memoryGroups struct {
	members map[string][]string
}

func (g *memoryGroups) ListGroupMembers(_ context.Context, _ string, groupID string) ([]string, error) {
	return g.members[groupID], nil
}

type recordingTimers struct {
	reminders []string
	expiries  []string
}

func (t *recordingTimers) ScheduleReminder(_ context.Context, _ string, stageInstanceID string, _ time.Time) error {
	t.reminders = append(t.reminders, stageInstanceID)
	return nil
}

func (t *recordingTimers) ScheduleExpiry(_ context.Context, _ string, stageInstanceID string, _ time.Time) error {
	t.expiries = append(t.expiries, stageInstanceID)
	return nil
}

type recordingNotifier struct {
	resolved []bool
	canceled int
}

func (n *recordingNotifier) ApprovalResolved(_ context.Context, _ string, _ string, approved bool) error {
	n.resolved = append(n.resolved, approved)
	return nil
}

func (n *recordingNotifier) ApprovalCanceled(_ context.Context, _ string, _ string) error {
	n.canceled++
	return nil
}
