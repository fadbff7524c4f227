package types

import (
	"encoding/json"
	"time"
)

// CompiledEntitySnapshot is a content-addressed cache row: the
// deterministic result of applying an ordered overlay set to a published
// entity version. Never mutated in place; regenerable from its inputs.
type CompiledEntitySnapshot struct {
	ID              string
	TenantID        string
	EntityVersionID string
	OverlayIDs      []string
	CompiledJSON    json.RawMessage
	Hash            string
	CreatedAt       time.Time
}

// CompiledEntityDoc is the shape serialized into CompiledJSON.
type CompiledEntityDoc struct {
	EntityName string                   `json:"entity_name"`
	VersionID  string                   `json:"version_id"`
	VersionNo  int                      `json:"version_no"`
	Fields     map[string]CompiledField `json:"fields"`
	Relations  []RelationDef            `json:"relations,omitempty"`
	Indexes    []IndexDef               `json:"indexes,omitempty"`
	Policy     map[string]any           `json:"policy,omitempty"`
}

type CompiledField struct {
	Type       string         `json:"type"`
	Required   bool           `json:"required,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Validation map[string]any `json:"validation,omitempty"`
	UI         map[string]any `json:"ui,omitempty"`
}
