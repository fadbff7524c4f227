package types

import "time"

// EntitlementSnapshot is the TTL-cached effective entitlement bundle of
// one principal: resolved roles, groups, OU placement and persona
// capabilities. Recomputation is idempotent, so concurrent refreshes may
// race with last-writer-wins.
type EntitlementSnapshot struct {
	TenantID     string
	PrincipalID  string
	RoleSlugs    []string
	GroupIDs     []string
	PersonaSlugs []string
	OUNodeID     string
	Capabilities []PersonaCapability
	ExpiresAt    time.Time
}

func (s EntitlementSnapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SubjectKeys lists every (subject type, key) pair the principal carries,
// in the order the evaluator probes them.
func (s EntitlementSnapshot) SubjectKeys() []SubjectRef {
	refs := []SubjectRef{{Type: SubjectPrincipal, Key: s.PrincipalID}}
	for _, r := range s.RoleSlugs {
		refs = append(refs, SubjectRef{Type: SubjectRole, Key: r})
	}
	for _, g := range s.GroupIDs {
		refs = append(refs, SubjectRef{Type: SubjectGroup, Key: g})
	}
	for _, p := range s.PersonaSlugs {
		refs = append(refs, SubjectRef{Type: SubjectPersona, Key: p})
	}
	return refs
}

type SubjectRef struct {
	Type SubjectType
	Key  string
}

// OUNode is one node of the org-unit hierarchy, as read from the identity
// tables this engine consumes.
type OUNode struct {
	ID       string
	ParentID string // empty at the root
}
