package ports

import (
	"context"
	"errors"

	"github.com/tidegrid/metacore/modules/schema/domain/types"
)

var (
	ErrVersionNotFound  = errors.New("entity_version_not_found")
	ErrSnapshotNotFound = errors.New("snapshot_not_found")
)

type SchemaStore interface {
	GetEntityVersion(ctx context.Context, tenantID string, versionID string) (types.EntityVersion, error)
	// ListActiveOverlays returns the active overlays targeting the version's
	// entity (including version-pinned ones matching versionID), with their
	// change rows loaded, ordered by priority asc, created_at asc, id asc.
	ListActiveOverlays(ctx context.Context, tenantID string, entityID string, versionID string) ([]types.Overlay, error)
}

type SnapshotStore interface {
	GetSnapshotByHash(ctx context.Context, tenantID string, hash string) (types.CompiledEntitySnapshot, error)
	// InsertSnapshot persists a compiled snapshot. When a row with the same
	// hash already exists (concurrent identical compile), the existing row
	// is returned and the insert is a no-op.
	InsertSnapshot(ctx context.Context, snapshot types.CompiledEntitySnapshot) (types.CompiledEntitySnapshot, error)
}
