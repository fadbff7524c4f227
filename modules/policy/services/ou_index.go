package services

import (
	"context"
	"sync"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

// OUIndex holds the org-unit hierarchy as an arena of nodes with parent
// links plus a precomputed ancestor-path cache, so the `ou` constraint
// check never recurses per evaluation. Node moves are rare; callers
// invalidate the whole tenant on move.
type OUIndex struct {
	source ports.EntitlementSource

	mu      sync.RWMutex
	tenants map[string]map[string][]string // tenant -> node -> ancestor path (self first)
}

func NewOUIndex(source ports.EntitlementSource) *OUIndex {
	return &OUIndex{source: source, tenants: map[string]map[string][]string{}}
}

// Within reports whether the record's OU equals scopeOU or sits anywhere
// beneath it.
func (x *OUIndex) Within(ctx context.Context, tenantID string, recordOU string, scopeOU string) (bool, error) {
	if recordOU == "" || scopeOU == "" {
		return false, nil
	}
	if recordOU == scopeOU {
		return true, nil
	}
	paths, err := x.paths(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, ancestor := range paths[recordOU] {
		if ancestor == scopeOU {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached hierarchy for a tenant after a node move.
func (x *OUIndex) Invalidate(tenantID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.tenants, tenantID)
}

func (x *OUIndex) paths(ctx context.Context, tenantID string) (map[string][]string, error) {
	x.mu.RLock()
	cached, ok := x.tenants[tenantID]
	x.mu.RUnlock()
	if ok {
		return cached, nil
	}

	nodes, err := x.source.ListOUNodes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	paths := buildAncestorPaths(nodes)

	x.mu.Lock()
	x.tenants[tenantID] = paths
	x.mu.Unlock()
	return paths, nil
}

func buildAncestorPaths(nodes []types.OUNode) map[string][]string {
	parent := make(map[string]string, len(nodes))
	for _, n := range nodes {
		parent[n.ID] = n.ParentID
	}
	paths := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		path := []string{n.ID}
		seen := map[string]struct{}{n.ID: {}}
		for p := parent[n.ID]; p != ""; p = parent[p] {
			// Break on cycles; malformed hierarchies must not hang evaluation.
			if _, dup := seen[p]; dup {
				break
			}
			seen[p] = struct{}{}
			path = append(path, p)
		}
		paths[n.ID] = path
	}
	return paths
}
