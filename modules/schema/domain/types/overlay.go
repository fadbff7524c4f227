package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type ConflictMode string

const (
	ConflictFail      ConflictMode = "fail"
	ConflictOverwrite ConflictMode = "overwrite"
	ConflictMerge     ConflictMode = "merge"
)

type ChangeKind string

const (
	ChangeAddField           ChangeKind = "addField"
	ChangeRemoveField        ChangeKind = "removeField"
	ChangeModifyField        ChangeKind = "modifyField"
	ChangeTweakPolicy        ChangeKind = "tweakPolicy"
	ChangeOverrideValidation ChangeKind = "overrideValidation"
	ChangeOverrideUi         ChangeKind = "overrideUi"
)

// Overlay is a named, prioritized set of deltas layered onto a base entity
// version. Lower priority applies first; ties break on CreatedAt then ID.
type Overlay struct {
	ID            string
	TenantID      string
	Name          string
	BaseEntityID  string
	BaseVersionID string // empty = applies to any version of the entity
	Priority      int
	ConflictMode  ConflictMode
	Active        bool
	CreatedAt     time.Time
	Changes       []OverlayChange
}

type OverlayChange struct {
	ID          string
	OverlayID   string
	ChangeOrder int
	Kind        ChangeKind
	Payload     json.RawMessage
}

// ChangePayload is the closed union of overlay change payloads, one
// variant per ChangeKind. Payloads are decoded and validated when the
// snapshot is compiled, never at read time.
type ChangePayload interface {
	// FieldPath identifies what the change touches, for cross-overlay
	// conflict detection.
	FieldPath() string
	validate() error
}

type AddFieldChange struct {
	Field FieldDef `json:"field"`
}

func (c AddFieldChange) FieldPath() string { return "fields." + c.Field.Name }

func (c AddFieldChange) validate() error {
	if c.Field.Name == "" || c.Field.Type == "" {
		return fmt.Errorf("addField requires field name and type")
	}
	return nil
}

type RemoveFieldChange struct {
	Name string `json:"name"`
}

func (c RemoveFieldChange) FieldPath() string { return "fields." + c.Name }

func (c RemoveFieldChange) validate() error {
	if c.Name == "" {
		return fmt.Errorf("removeField requires field name")
	}
	return nil
}

type ModifyFieldChange struct {
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	Required *bool          `json:"required,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

func (c ModifyFieldChange) FieldPath() string { return "fields." + c.Name }

func (c ModifyFieldChange) validate() error {
	if c.Name == "" {
		return fmt.Errorf("modifyField requires field name")
	}
	if c.Type == "" && c.Required == nil && len(c.Config) == 0 {
		return fmt.Errorf("modifyField %q changes nothing", c.Name)
	}
	return nil
}

type TweakPolicyChange struct {
	Policy map[string]any `json:"policy"`
}

func (c TweakPolicyChange) FieldPath() string { return "policy" }

func (c TweakPolicyChange) validate() error {
	if len(c.Policy) == 0 {
		return fmt.Errorf("tweakPolicy requires a policy object")
	}
	return nil
}

type OverrideValidationChange struct {
	Field string         `json:"field"`
	Rules map[string]any `json:"rules"`
}

func (c OverrideValidationChange) FieldPath() string { return "validation." + c.Field }

func (c OverrideValidationChange) validate() error {
	if c.Field == "" || len(c.Rules) == 0 {
		return fmt.Errorf("overrideValidation requires field and rules")
	}
	return nil
}

type OverrideUiChange struct {
	Field string         `json:"field"`
	UI    map[string]any `json:"ui"`
}

func (c OverrideUiChange) FieldPath() string { return "ui." + c.Field }

func (c OverrideUiChange) validate() error {
	if c.Field == "" || len(c.UI) == 0 {
		return fmt.Errorf("overrideUi requires field and ui config")
	}
	return nil
}

// DecodeChange parses a change row into its typed payload and validates it.
func DecodeChange(change OverlayChange) (ChangePayload, error) {
	var payload ChangePayload
	switch change.Kind {
	case ChangeAddField:
		payload = &AddFieldChange{}
	case ChangeRemoveField:
		payload = &RemoveFieldChange{}
	case ChangeModifyField:
		payload = &ModifyFieldChange{}
	case ChangeTweakPolicy:
		payload = &TweakPolicyChange{}
	case ChangeOverrideValidation:
		payload = &OverrideValidationChange{}
	case ChangeOverrideUi:
		payload = &OverrideUiChange{}
	default:
		return nil, fmt.Errorf("unknown change kind %q", change.Kind)
	}
	if err := json.Unmarshal(change.Payload, payload); err != nil {
		return nil, fmt.Errorf("change %s: %w", change.ID, err)
	}
	decoded := derefPayload(payload)
	if err := decoded.validate(); err != nil {
		return nil, fmt.Errorf("change %s: %w", change.ID, err)
	}
	return decoded, nil
}

func derefPayload(p ChangePayload) ChangePayload {
	switch v := p.(type) {
	case *AddFieldChange:
		return *v
	case *RemoveFieldChange:
		return *v
	case *ModifyFieldChange:
		return *v
	case *TweakPolicyChange:
		return *v
	case *OverrideValidationChange:
		return *v
	case *OverrideUiChange:
		return *v
	default:
		return p
	}
}
