package ports

import (
	"context"
	"errors"

	"github.com/tidegrid/metacore/modules/lifecycle/domain/types"
)

var (
	ErrLifecycleNotFound = errors.New("lifecycle_not_found")
	ErrInstanceNotFound  = errors.New("lifecycle_instance_not_found")
	ErrVersionConflict   = errors.New("lifecycle_version_conflict")
)

type DefinitionStore interface {
	GetLifecycle(ctx context.Context, tenantID string, lifecycleID string) (types.Lifecycle, error)
	// ListBindings returns every binding for the entity, highest priority
	// first.
	ListBindings(ctx context.Context, tenantID string, entityName string) ([]types.Binding, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, tenantID string, entityName string, recordID string) (types.Instance, error)
	GetInstanceByApproval(ctx context.Context, tenantID string, approvalID string) (types.Instance, error)
	// CreateInstance inserts at the initial state. On a unique-key race for
	// the same (tenant, entity, record) it returns the winning row.
	CreateInstance(ctx context.Context, instance types.Instance) (types.Instance, error)
	// UpdateInstance writes the new state iff the stored version equals
	// expectedVersion, incrementing it; otherwise ErrVersionConflict.
	UpdateInstance(ctx context.Context, instance types.Instance, expectedVersion int64) (types.Instance, error)
}

type EventLog interface {
	Append(ctx context.Context, event types.Event) error
}

// GateCheck is one required-operation probe the engine sends through the
// permission evaluator.
type GateCheck struct {
	PrincipalID   string
	OperationCode string
	EntityName    string
	RecordID      string
	Record        map[string]any
}

type PermissionGate interface {
	Allowed(ctx context.Context, tenantID string, check GateCheck) (bool, error)
}

// ApprovalStarter opens an approval instance for an approval-gated edge
// and returns its id.
type ApprovalStarter interface {
	StartApproval(ctx context.Context, tenantID string, templateID string, recordCtx map[string]any) (string, error)
}
