package services

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/tidegrid/metacore/modules/schema/domain/ports"
	"github.com/tidegrid/metacore/modules/schema/domain/types"
	"github.com/tidegrid/metacore/pkg/contenthash"
	"github.com/tidegrid/metacore/pkg/enginerr"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// Compiler merges a published entity version with its ordered overlay set
// into a content-addressed snapshot. Compilation is a pure function of its
// inputs: the same (version, overlay set, change rows) always produces the
// same hash, and concurrent identical compiles converge on one cache row.
type Compiler struct {
	schema    ports.SchemaStore
	snapshots ports.SnapshotStore
}

func NewCompiler(schema ports.SchemaStore, snapshots ports.SnapshotStore) *Compiler {
	return &Compiler{schema: schema, snapshots: snapshots}
}

func (c *Compiler) Compile(ctx context.Context, tenantID string, entityVersionID string) (types.CompiledEntitySnapshot, error) {
	version, err := c.schema.GetEntityVersion(ctx, tenantID, entityVersionID)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	if version.Status != types.VersionPublished {
		return types.CompiledEntitySnapshot{}, enginerr.NewValidation("entity version %s is %s, not published", version.ID, version.Status)
	}

	overlays, err := c.schema.ListActiveOverlays(ctx, tenantID, version.EntityID, version.ID)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	sortOverlays(overlays)

	hash, err := snapshotHash(version.ID, overlays)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	if existing, err := c.snapshots.GetSnapshotByHash(ctx, tenantID, hash); err == nil {
		return existing, nil
	} else if err != ports.ErrSnapshotNotFound {
		return types.CompiledEntitySnapshot{}, err
	}

	doc, err := applyOverlays(version, overlays)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	compiled, err := json.Marshal(doc)
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}

	id, err := uuidv7.NewString()
	if err != nil {
		return types.CompiledEntitySnapshot{}, err
	}
	overlayIDs := make([]string, 0, len(overlays))
	for _, ov := range overlays {
		overlayIDs = append(overlayIDs, ov.ID)
	}
	return c.snapshots.InsertSnapshot(ctx, types.CompiledEntitySnapshot{
		ID:              id,
		TenantID:        tenantID,
		EntityVersionID: version.ID,
		OverlayIDs:      overlayIDs,
		CompiledJSON:    compiled,
		Hash:            hash,
		CreatedAt:       time.Now().UTC(),
	})
}

func sortOverlays(overlays []types.Overlay) {
	sort.SliceStable(overlays, func(i, j int) bool {
		if overlays[i].Priority != overlays[j].Priority {
			return overlays[i].Priority < overlays[j].Priority
		}
		if !overlays[i].CreatedAt.Equal(overlays[j].CreatedAt) {
			return overlays[i].CreatedAt.Before(overlays[j].CreatedAt)
		}
		return overlays[i].ID < overlays[j].ID
	})
	for _, ov := range overlays {
		changes := ov.Changes
		sort.SliceStable(changes, func(i, j int) bool {
			return changes[i].ChangeOrder < changes[j].ChangeOrder
		})
	}
}

func snapshotHash(versionID string, overlays []types.Overlay) (string, error) {
	type changeRow struct {
		OverlayID   string          `json:"overlay_id"`
		ChangeOrder int             `json:"change_order"`
		Kind        types.ChangeKind `json:"kind"`
		Payload     json.RawMessage `json:"payload"`
	}
	overlayIDs := make([]string, 0, len(overlays))
	rows := make([]changeRow, 0)
	for _, ov := range overlays {
		overlayIDs = append(overlayIDs, ov.ID)
		for _, ch := range ov.Changes {
			rows = append(rows, changeRow{OverlayID: ov.ID, ChangeOrder: ch.ChangeOrder, Kind: ch.Kind, Payload: ch.Payload})
		}
	}
	return contenthash.Sum(versionID, overlayIDs, rows)
}

// provenance remembers, per field path, which overlay last touched it and
// which scalar keys each overlay set, so merge mode can tell a genuine
// cross-overlay collision from an ordinary override of a base value.
type provenance struct {
	lastOverlay string
	kind        types.ChangeKind
	scalarKeys  map[string]scalarOrigin
}

type scalarOrigin struct {
	overlayID string
	value     any
}

func applyOverlays(version types.EntityVersion, overlays []types.Overlay) (types.CompiledEntityDoc, error) {
	doc := seedDoc(version)
	prov := map[string]*provenance{}

	for _, ov := range overlays {
		for _, change := range ov.Changes {
			payload, err := types.DecodeChange(change)
			if err != nil {
				return types.CompiledEntityDoc{}, enginerr.NewValidation("overlay %s: %v", ov.ID, err)
			}
			if err := applyChange(&doc, prov, ov, payload); err != nil {
				return types.CompiledEntityDoc{}, err
			}
		}
	}
	return doc, nil
}

func seedDoc(version types.EntityVersion) types.CompiledEntityDoc {
	fields := make(map[string]types.CompiledField, len(version.Fields))
	for _, f := range version.Fields {
		fields[f.Name] = types.CompiledField{
			Type:     f.Type,
			Required: f.Required,
			Config:   cloneJSONMap(f.Config),
		}
	}
	return types.CompiledEntityDoc{
		EntityName: version.EntityName,
		VersionID:  version.ID,
		VersionNo:  version.VersionNo,
		Fields:     fields,
		Relations:  version.Relations,
		Indexes:    version.Indexes,
		Policy:     map[string]any{},
	}
}

func applyChange(doc *types.CompiledEntityDoc, prov map[string]*provenance, ov types.Overlay, payload types.ChangePayload) error {
	path := payload.FieldPath()
	prior := prov[path]
	crossOverlay := prior != nil && prior.lastOverlay != ov.ID

	if crossOverlay {
		switch ov.ConflictMode {
		case types.ConflictFail:
			return enginerr.NewCompileConflict(path, prior.lastOverlay, ov.ID)
		case types.ConflictMerge:
			return mergeChange(doc, prov, ov, payload, prior)
		case types.ConflictOverwrite:
			// fall through to a plain apply; the later overlay wins.
		default:
			return enginerr.NewValidation("overlay %s: unknown conflict mode %q", ov.ID, ov.ConflictMode)
		}
	}
	return overwriteChange(doc, prov, ov, payload)
}

func overwriteChange(doc *types.CompiledEntityDoc, prov map[string]*provenance, ov types.Overlay, payload types.ChangePayload) error {
	path := payload.FieldPath()
	entry := &provenance{lastOverlay: ov.ID, kind: changeKind(payload), scalarKeys: map[string]scalarOrigin{}}

	switch c := payload.(type) {
	case types.AddFieldChange:
		if _, exists := doc.Fields[c.Field.Name]; exists && prov[path] == nil {
			return enginerr.NewValidation("overlay %s: field %q already defined by base version", ov.ID, c.Field.Name)
		}
		doc.Fields[c.Field.Name] = types.CompiledField{
			Type:     c.Field.Type,
			Required: c.Field.Required,
			Config:   cloneJSONMap(c.Field.Config),
		}
		recordScalars(entry, ov.ID, "config", c.Field.Config)
		entry.scalarKeys["type"] = scalarOrigin{overlayID: ov.ID, value: c.Field.Type}
	case types.RemoveFieldChange:
		if _, exists := doc.Fields[c.Name]; !exists {
			return enginerr.NewValidation("overlay %s: removeField %q: no such field", ov.ID, c.Name)
		}
		delete(doc.Fields, c.Name)
	case types.ModifyFieldChange:
		field, exists := doc.Fields[c.Name]
		if !exists {
			return enginerr.NewValidation("overlay %s: modifyField %q: no such field", ov.ID, c.Name)
		}
		if c.Type != "" {
			field.Type = c.Type
			entry.scalarKeys["type"] = scalarOrigin{overlayID: ov.ID, value: c.Type}
		}
		if c.Required != nil {
			field.Required = *c.Required
			entry.scalarKeys["required"] = scalarOrigin{overlayID: ov.ID, value: *c.Required}
		}
		if len(c.Config) > 0 {
			if field.Config == nil {
				field.Config = map[string]any{}
			}
			mergePatch(field.Config, c.Config)
			recordScalars(entry, ov.ID, "config", c.Config)
		}
		doc.Fields[c.Name] = field
	case types.TweakPolicyChange:
		mergePatch(doc.Policy, c.Policy)
		recordScalars(entry, ov.ID, "", c.Policy)
	case types.OverrideValidationChange:
		field, exists := doc.Fields[c.Field]
		if !exists {
			return enginerr.NewValidation("overlay %s: overrideValidation %q: no such field", ov.ID, c.Field)
		}
		if field.Validation == nil {
			field.Validation = map[string]any{}
		}
		mergePatch(field.Validation, c.Rules)
		doc.Fields[c.Field] = field
		recordScalars(entry, ov.ID, "", c.Rules)
	case types.OverrideUiChange:
		field, exists := doc.Fields[c.Field]
		if !exists {
			return enginerr.NewValidation("overlay %s: overrideUi %q: no such field", ov.ID, c.Field)
		}
		if field.UI == nil {
			field.UI = map[string]any{}
		}
		mergePatch(field.UI, c.UI)
		doc.Fields[c.Field] = field
		recordScalars(entry, ov.ID, "", c.UI)
	default:
		return enginerr.NewValidation("overlay %s: unsupported change payload %T", ov.ID, payload)
	}

	if prior := prov[path]; prior != nil {
		// Keys the earlier overlays set and this one did not still belong
		// to them for later merge checks.
		for k, origin := range prior.scalarKeys {
			if _, ok := entry.scalarKeys[k]; !ok {
				entry.scalarKeys[k] = origin
			}
		}
	}
	prov[path] = entry
	return nil
}

// mergeChange applies payload under conflict_mode=merge: object configs
// deep-merge, and only a differing scalar set by two distinct overlays is
// a conflict.
func mergeChange(doc *types.CompiledEntityDoc, prov map[string]*provenance, ov types.Overlay, payload types.ChangePayload, prior *provenance) error {
	path := payload.FieldPath()
	kind := changeKind(payload)
	if kind == types.ChangeRemoveField || prior.kind == types.ChangeRemoveField {
		return enginerr.NewCompileConflict(path, prior.lastOverlay, ov.ID)
	}

	var incoming map[string]any
	switch c := payload.(type) {
	case types.AddFieldChange:
		// addField over a field another overlay already shaped cannot merge.
		return enginerr.NewCompileConflict(path, prior.lastOverlay, ov.ID)
	case types.ModifyFieldChange:
		incoming = map[string]any{}
		if c.Type != "" {
			incoming["type"] = c.Type
		}
		if c.Required != nil {
			incoming["required"] = *c.Required
		}
		for k, v := range flattenScalars("config", c.Config) {
			incoming[k] = v
		}
	case types.TweakPolicyChange:
		incoming = flattenScalars("", c.Policy)
	case types.OverrideValidationChange:
		incoming = flattenScalars("", c.Rules)
	case types.OverrideUiChange:
		incoming = flattenScalars("", c.UI)
	default:
		return enginerr.NewCompileConflict(path, prior.lastOverlay, ov.ID)
	}

	for key, val := range incoming {
		if origin, ok := prior.scalarKeys[key]; ok && origin.overlayID != ov.ID && !reflect.DeepEqual(origin.value, val) {
			return enginerr.NewCompileConflict(path+"."+key, origin.overlayID, ov.ID)
		}
	}
	return overwriteChange(doc, prov, ov, payload)
}

func changeKind(payload types.ChangePayload) types.ChangeKind {
	switch payload.(type) {
	case types.AddFieldChange:
		return types.ChangeAddField
	case types.RemoveFieldChange:
		return types.ChangeRemoveField
	case types.ModifyFieldChange:
		return types.ChangeModifyField
	case types.TweakPolicyChange:
		return types.ChangeTweakPolicy
	case types.OverrideValidationChange:
		return types.ChangeOverrideValidation
	default:
		return types.ChangeOverrideUi
	}
}

func recordScalars(entry *provenance, overlayID string, prefix string, obj map[string]any) {
	for key, val := range flattenScalars(prefix, obj) {
		entry.scalarKeys[key] = scalarOrigin{overlayID: overlayID, value: val}
	}
}

// flattenScalars walks nested objects into dotted scalar keys.
func flattenScalars(prefix string, obj map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flattenScalars(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// mergePatch applies src onto dst RFC 7386 style: objects recurse, null
// deletes, everything else replaces.
func mergePatch(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergePatch(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			clone := map[string]any{}
			mergePatch(clone, srcMap)
			dst[k] = clone
			continue
		}
		dst[k] = v
	}
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
