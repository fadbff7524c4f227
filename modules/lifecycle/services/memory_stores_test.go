package services

import (
	"context"
	"sync"

	"github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	"github.com/tidegrid/metacore/modules/lifecycle/domain/types"
)

type memoryDefinitionStore struct {
	lifecycles map[string]types.Lifecycle
	bindings   []types.Binding
}

func (s *memoryDefinitionStore) GetLifecycle(_ context.Context, _ string, lifecycleID string) (types.Lifecycle, error) {
	lc, ok := s.lifecycles[lifecycleID]
	if !ok {
		return types.Lifecycle{}, ports.ErrLifecycleNotFound
	}
	return lc, nil
}

func (s *memoryDefinitionStore) ListBindings(_ context.Context, _ string, entityName string) ([]types.Binding, error) {
	var out []types.Binding
	for _, b := range s.bindings {
		if b.EntityName == entityName {
			out = append(out, b)
		}
	}
	return out, nil
}

type memoryInstanceStore struct {
	mu   sync.Mutex
	rows map[string]types.Instance // entity/record -> instance
}

func newMemoryInstanceStore() *memoryInstanceStore {
	return &memoryInstanceStore{rows: map[string]types.Instance{}}
}

func instanceKey(entityName, recordID string) string { return entityName + "/" + recordID }

func (s *memoryInstanceStore) GetInstance(_ context.Context, _ string, entityName string, recordID string) (types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[instanceKey(entityName, recordID)]
	if !ok {
		return types.Instance{}, ports.ErrInstanceNotFound
	}
	return row, nil
}

func (s *memoryInstanceStore) GetInstanceByApproval(_ context.Context, _ string, approvalID string) (types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.PendingApprovalID == approvalID && approvalID != "" {
			return row, nil
		}
	}
	return types.Instance{}, ports.ErrInstanceNotFound
}

func (s *memoryInstanceStore) CreateInstance(_ context.Context, instance types.Instance) (types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(instance.EntityName, instance.RecordID)
	if existing, ok := s.rows[key]; ok {
		return existing, nil
	}
	s.rows[key] = instance
	return instance, nil
}

func (s *memoryInstanceStore) UpdateInstance(_ context.Context, instance types.Instance, expectedVersion int64) (types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(instance.EntityName, instance.RecordID)
	current, ok := s.rows[key]
	if !ok {
		return types.Instance{}, ports.ErrInstanceNotFound
	}
	if current.Version != expectedVersion {
		return types.Instance{}, ports.ErrVersionConflict
	}
	instance.Version = expectedVersion + 1
	s.rows[key] = instance
	return instance, nil
}

type memoryEventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *memoryEventLog) Append(_ context.Context, event types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *memoryEventLog) last() (types.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return types.Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// grantGate allows exactly the (principal, operation) pairs listed.
type grantGate struct {
	grants map[string]bool // principal/operation
}

func (g *grantGate) Allowed(_ context.Context, _ string, check ports.GateCheck) (bool, error) {
	return g.grants[check.PrincipalID+"/"+check.OperationCode], nil
}

type stubApprovals struct {
	nextID  string
	started int
}

func (a *stubApprovals) StartApproval(_ context.Context, _ string, _ string, _ map[string]any) (string, error) {
	a.started++
	return a.nextID, nil
}
