package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	"github.com/tidegrid/metacore/modules/lifecycle/domain/types"
	"github.com/tidegrid/metacore/pkg/celcond"
	"github.com/tidegrid/metacore/pkg/enginerr"
	"github.com/tidegrid/metacore/pkg/threshold"
	"github.com/tidegrid/metacore/pkg/uuidv7"
)

// Engine drives per-record state machines. Transition execution is a
// single optimistic-concurrency unit over the instance row: read state,
// validate, write new state under a version compare-and-swap. Callers
// retry on ConcurrentModificationError.
type Engine struct {
	definitions ports.DefinitionStore
	instances   ports.InstanceStore
	events      ports.EventLog
	permissions ports.PermissionGate
	approvals   ports.ApprovalStarter
	now         func() time.Time
}

func NewEngine(definitions ports.DefinitionStore, instances ports.InstanceStore, events ports.EventLog,
	permissions ports.PermissionGate, approvals ports.ApprovalStarter) *Engine {
	return &Engine{
		definitions: definitions,
		instances:   instances,
		events:      events,
		permissions: permissions,
		approvals:   approvals,
		now:         time.Now,
	}
}

type TransitionRequest struct {
	EntityName    string
	RecordID      string
	OperationCode string
	ActorID       string
	// InstanceVersion, when nonzero, is the version the caller read.
	// A mismatch with the stored row fails fast instead of silently
	// transitioning a record the caller saw in another state.
	InstanceVersion int64
	Record          map[string]any
}

type TransitionResult struct {
	NewStateID        string
	PendingApprovalID string
	InstanceVersion   int64
}

func (e *Engine) Transition(ctx context.Context, tenantID string, req TransitionRequest) (TransitionResult, error) {
	lifecycle, err := e.resolveLifecycle(ctx, tenantID, req)
	if err != nil {
		return TransitionResult{}, err
	}

	instance, err := e.loadOrCreateInstance(ctx, tenantID, lifecycle, req)
	if err != nil {
		return TransitionResult{}, err
	}
	if req.InstanceVersion != 0 && req.InstanceVersion != instance.Version {
		return TransitionResult{}, enginerr.NewConcurrentModification("lifecycle_instance")
	}
	if instance.PendingApprovalID != "" {
		return TransitionResult{}, enginerr.NewGateNotSatisfied("approval already pending for record")
	}

	edge, ok := lifecycle.EdgeFor(instance.StateID, req.OperationCode)
	if current, found := lifecycle.StateByID(instance.StateID); found && current.IsTerminal {
		// Terminal states have no outgoing edges, even if a definition
		// declares one.
		ok = false
	}
	if !ok {
		failure := enginerr.NewInvalidTransition(stateCode(lifecycle, instance.StateID), req.OperationCode)
		if logErr := e.appendEvent(ctx, tenantID, instance, types.Transition{FromStateID: instance.StateID},
			req, types.OutcomeInvalidTransition, failure.Error()); logErr != nil {
			return TransitionResult{}, logErr
		}
		return TransitionResult{}, failure
	}

	if err := e.checkGate(ctx, tenantID, edge.Gate, req); err != nil {
		if !enginerr.IsGateNotSatisfied(err) {
			return TransitionResult{}, err
		}
		if logErr := e.appendEvent(ctx, tenantID, instance, edge, req, types.OutcomeGateNotSatisfied, err.Error()); logErr != nil {
			return TransitionResult{}, logErr
		}
		return TransitionResult{}, err
	}

	if edge.Gate != nil && edge.Gate.ApprovalTemplateID != "" {
		return e.startApproval(ctx, tenantID, instance, edge, req)
	}

	instance.StateID = edge.ToStateID
	updated, err := e.instances.UpdateInstance(ctx, instance, instance.Version)
	if errors.Is(err, ports.ErrVersionConflict) {
		return TransitionResult{}, enginerr.NewConcurrentModification("lifecycle_instance")
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.appendEvent(ctx, tenantID, updated, edge, req, types.OutcomeApplied, ""); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{NewStateID: edge.ToStateID, InstanceVersion: updated.Version}, nil
}

func (e *Engine) startApproval(ctx context.Context, tenantID string, instance types.Instance,
	edge types.Transition, req TransitionRequest) (TransitionResult, error) {

	approvalID, err := e.approvals.StartApproval(ctx, tenantID, edge.Gate.ApprovalTemplateID, gateDoc(tenantID, req))
	if err != nil {
		return TransitionResult{}, err
	}
	instance.PendingApprovalID = approvalID
	instance.PendingTransitionID = edge.ID
	updated, err := e.instances.UpdateInstance(ctx, instance, instance.Version)
	if errors.Is(err, ports.ErrVersionConflict) {
		return TransitionResult{}, enginerr.NewConcurrentModification("lifecycle_instance")
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.appendEvent(ctx, tenantID, updated, edge, req, types.OutcomeApprovalPending, approvalID); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{PendingApprovalID: approvalID, InstanceVersion: updated.Version}, nil
}

// ResolveApproval finishes a pending approval-gated transition: approve
// enters the edge's to-state, reject enters the gate's reject state or
// stays put when none is configured. A missing pending marker means the
// approval was canceled first; resolution then is a no-op.
func (e *Engine) ResolveApproval(ctx context.Context, tenantID string, approvalID string, approved bool, actorID string) error {
	instance, err := e.instances.GetInstanceByApproval(ctx, tenantID, approvalID)
	if errors.Is(err, ports.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	lifecycle, err := e.definitions.GetLifecycle(ctx, tenantID, instance.LifecycleID)
	if err != nil {
		return err
	}
	edge, ok := lifecycle.TransitionByID(instance.PendingTransitionID)
	if !ok {
		return enginerr.NewValidation("pending transition %s no longer exists in lifecycle %s", instance.PendingTransitionID, lifecycle.ID)
	}

	outcome := types.OutcomeApprovalApproved
	if approved {
		instance.StateID = edge.ToStateID
	} else {
		outcome = types.OutcomeApprovalRejected
		if edge.Gate != nil && edge.Gate.RejectStateID != "" {
			instance.StateID = edge.Gate.RejectStateID
		}
	}
	instance.PendingApprovalID = ""
	instance.PendingTransitionID = ""

	updated, err := e.instances.UpdateInstance(ctx, instance, instance.Version)
	if errors.Is(err, ports.ErrVersionConflict) {
		return enginerr.NewConcurrentModification("lifecycle_instance")
	}
	if err != nil {
		return err
	}
	return e.appendEvent(ctx, tenantID, updated, edge,
		TransitionRequest{EntityName: instance.EntityName, RecordID: instance.RecordID, OperationCode: edge.OperationCode, ActorID: actorID},
		outcome, approvalID)
}

// CancelApproval clears the pending marker and leaves state unchanged.
// Idempotent: an unknown approval id is not an error.
func (e *Engine) CancelApproval(ctx context.Context, tenantID string, approvalID string, actorID string) error {
	instance, err := e.instances.GetInstanceByApproval(ctx, tenantID, approvalID)
	if errors.Is(err, ports.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	edge := types.Transition{ID: instance.PendingTransitionID, FromStateID: instance.StateID, ToStateID: instance.StateID}
	instance.PendingApprovalID = ""
	instance.PendingTransitionID = ""

	updated, err := e.instances.UpdateInstance(ctx, instance, instance.Version)
	if errors.Is(err, ports.ErrVersionConflict) {
		return enginerr.NewConcurrentModification("lifecycle_instance")
	}
	if err != nil {
		return err
	}
	return e.appendEvent(ctx, tenantID, updated, edge,
		TransitionRequest{EntityName: instance.EntityName, RecordID: instance.RecordID, ActorID: actorID},
		types.OutcomeApprovalCanceled, approvalID)
}

// resolveLifecycle picks the highest-priority binding whose condition
// matches the record and loads its lifecycle.
func (e *Engine) resolveLifecycle(ctx context.Context, tenantID string, req TransitionRequest) (types.Lifecycle, error) {
	bindings, err := e.definitions.ListBindings(ctx, tenantID, req.EntityName)
	if err != nil {
		return types.Lifecycle{}, err
	}
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Priority > bindings[j].Priority })

	doc := gateDoc(tenantID, req)
	for _, b := range bindings {
		matched, err := celcond.EvalBool(b.Condition, doc)
		if err != nil {
			return types.Lifecycle{}, enginerr.NewValidation("binding %s: %v", b.ID, err)
		}
		if matched {
			return e.definitions.GetLifecycle(ctx, tenantID, b.LifecycleID)
		}
	}
	return types.Lifecycle{}, enginerr.NewValidation("no lifecycle binding matches entity %q", req.EntityName)
}

func (e *Engine) loadOrCreateInstance(ctx context.Context, tenantID string, lifecycle types.Lifecycle, req TransitionRequest) (types.Instance, error) {
	instance, err := e.instances.GetInstance(ctx, tenantID, req.EntityName, req.RecordID)
	if err == nil {
		return instance, nil
	}
	if !errors.Is(err, ports.ErrInstanceNotFound) {
		return types.Instance{}, err
	}

	id, err := uuidv7.NewString()
	if err != nil {
		return types.Instance{}, err
	}
	now := e.now().UTC()
	return e.instances.CreateInstance(ctx, types.Instance{
		ID:          id,
		TenantID:    tenantID,
		EntityName:  req.EntityName,
		RecordID:    req.RecordID,
		LifecycleID: lifecycle.ID,
		StateID:     lifecycle.InitialStateID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (e *Engine) checkGate(ctx context.Context, tenantID string, gate *types.TransitionGate, req TransitionRequest) error {
	if gate == nil {
		return nil
	}
	for _, operation := range gate.RequiredOperations {
		allowed, err := e.permissions.Allowed(ctx, tenantID, ports.GateCheck{
			PrincipalID:   req.ActorID,
			OperationCode: operation,
			EntityName:    req.EntityName,
			RecordID:      req.RecordID,
			Record:        req.Record,
		})
		if err != nil {
			return err
		}
		if !allowed {
			return enginerr.NewGateNotSatisfied(fmt.Sprintf("operation %q denied for actor", operation))
		}
	}

	doc := gateDoc(tenantID, req)
	matched, err := celcond.EvalBool(gate.Condition, doc)
	if err != nil {
		return enginerr.NewGateNotSatisfied(fmt.Sprintf("condition error: %v", err))
	}
	if !matched {
		return enginerr.NewGateNotSatisfied("condition evaluated to false")
	}

	passed, err := threshold.Eval(ctx, gate.ThresholdModule, doc)
	if err != nil {
		return enginerr.NewGateNotSatisfied(fmt.Sprintf("threshold error: %v", err))
	}
	if !passed {
		return enginerr.NewGateNotSatisfied("threshold rule failed")
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, tenantID string, instance types.Instance,
	edge types.Transition, req TransitionRequest, outcome string, detail string) error {

	id, err := uuidv7.NewString()
	if err != nil {
		return err
	}
	return e.events.Append(ctx, types.Event{
		ID:            id,
		TenantID:      tenantID,
		InstanceID:    instance.ID,
		EntityName:    instance.EntityName,
		RecordID:      instance.RecordID,
		FromStateID:   edge.FromStateID,
		ToStateID:     edge.ToStateID,
		OperationCode: req.OperationCode,
		ActorID:       req.ActorID,
		Outcome:       outcome,
		Detail:        detail,
		OccurredAt:    e.now().UTC(),
	})
}

func gateDoc(tenantID string, req TransitionRequest) map[string]any {
	record := map[string]any{}
	for k, v := range req.Record {
		record[k] = v
	}
	return map[string]any{
		"tenant_id": tenantID,
		"entity":    req.EntityName,
		"record_id": req.RecordID,
		"operation": req.OperationCode,
		"actor_id":  req.ActorID,
		"record":    record,
	}
}

func stateCode(lifecycle types.Lifecycle, stateID string) string {
	if s, ok := lifecycle.StateByID(stateID); ok {
		return s.Code
	}
	return stateID
}
