package services

import (
	"context"
	"sync"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

type memoryPolicyStore struct {
	versions map[string]types.PolicyVersion
	activeID string
}

func (s *memoryPolicyStore) GetPolicyVersion(_ context.Context, _ string, versionID string) (types.PolicyVersion, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return types.PolicyVersion{}, ports.ErrPolicyVersionNotFound
	}
	return v, nil
}

func (s *memoryPolicyStore) ActivePolicyVersionID(_ context.Context, _ string) (string, error) {
	if s.activeID == "" {
		return "", ports.ErrNoActivePolicy
	}
	return s.activeID, nil
}

type memoryCatalog struct {
	operations []types.Operation
}

func (c *memoryCatalog) ListOperations(_ context.Context, _ string) ([]types.Operation, error) {
	return c.operations, nil
}

type memoryCompiledStore struct {
	mu        sync.Mutex
	byVersion map[string]types.CompiledPolicyTable
	inserts   int
}

func newMemoryCompiledStore() *memoryCompiledStore {
	return &memoryCompiledStore{byVersion: map[string]types.CompiledPolicyTable{}}
}

func (s *memoryCompiledStore) GetCompiledByVersion(_ context.Context, _ string, policyVersionID string) (types.CompiledPolicyTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byVersion[policyVersionID]
	if !ok {
		return types.CompiledPolicyTable{}, ports.ErrCompiledTableNotFound
	}
	return t, nil
}

func (s *memoryCompiledStore) InsertCompiled(_ context.Context, table types.CompiledPolicyTable) (types.CompiledPolicyTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byVersion[table.PolicyVersionID]; ok && existing.Hash == table.Hash {
		return existing, nil
	}
	s.byVersion[table.PolicyVersionID] = table
	s.inserts++
	return table, nil
}

type memoryEntitlementSource struct {
	mu       sync.Mutex
	bundles  map[string]types.EntitlementSnapshot
	ouNodes  []types.OUNode
	resolves int
}

func (s *memoryEntitlementSource) ResolveEntitlements(_ context.Context, _ string, principalID string) (types.EntitlementSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolves++
	return s.bundles[principalID], nil
}

func (s *memoryEntitlementSource) ListOUNodes(_ context.Context, _ string) ([]types.OUNode, error) {
	return s.ouNodes, nil
}

type memoryEntitlementCacheStore struct {
	mu   sync.Mutex
	rows map[string]types.EntitlementSnapshot
}

func newMemoryEntitlementCacheStore() *memoryEntitlementCacheStore {
	return &memoryEntitlementCacheStore{rows: map[string]types.EntitlementSnapshot{}}
}

func (s *memoryEntitlementCacheStore) Get(_ context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[tenantID+"/"+principalID]
	if !ok {
		return types.EntitlementSnapshot{}, ports.ErrEntitlementNotCached
	}
	return row, nil
}

func (s *memoryEntitlementCacheStore) Upsert(_ context.Context, snapshot types.EntitlementSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[snapshot.TenantID+"/"+snapshot.PrincipalID] = snapshot
	return nil
}

type memoryDecisionLog struct {
	mu      sync.Mutex
	entries []types.DecisionLogEntry
}

func (l *memoryDecisionLog) Append(_ context.Context, entry types.DecisionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memoryDecisionLog) last() (types.DecisionLogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return types.DecisionLogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}
