package types

import "time"

type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
	VersionArchived  VersionStatus = "archived"
)

type Entity struct {
	ID        string
	TenantID  string
	Name      string
	ModuleKey string
	CreatedAt time.Time
}

// EntityVersion is one immutable definition of an entity. Fields,
// relations and indexes belong to the version, not the entity.
type EntityVersion struct {
	ID         string
	EntityID   string
	EntityName string
	VersionNo  int
	Status     VersionStatus
	Fields     []FieldDef
	Relations  []RelationDef
	Indexes    []IndexDef
	CreatedAt  time.Time
}

type FieldDef struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Required bool           `json:"required,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

type RelationDef struct {
	Name         string `json:"name"`
	TargetEntity string `json:"target_entity"`
	Cardinality  string `json:"cardinality"`
}

type IndexDef struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}
