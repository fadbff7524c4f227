package server

import (
	"context"

	approvalservices "github.com/tidegrid/metacore/modules/approval/services"
	lifecycleports "github.com/tidegrid/metacore/modules/lifecycle/domain/ports"
	lifecycleservices "github.com/tidegrid/metacore/modules/lifecycle/services"
	policyservices "github.com/tidegrid/metacore/modules/policy/services"
)

// evaluatorGate answers the lifecycle engine's required-operation checks
// with the permission evaluator. Denials are regular outcomes, not errors.
type evaluatorGate struct {
	evaluator *policyservices.Evaluator
}

func (g *evaluatorGate) Allowed(ctx context.Context, tenantID string, check lifecycleports.GateCheck) (bool, error) {
	decision, err := g.evaluator.Evaluate(ctx, tenantID, policyservices.EvalRequest{
		PrincipalID:   check.PrincipalID,
		OperationCode: check.OperationCode,
		EntityName:    check.EntityName,
		RecordID:      check.RecordID,
		Record:        check.Record,
	})
	if err != nil {
		return false, err
	}
	return decision.Allow, nil
}

// routerStarter lets the lifecycle engine open approval instances without
// importing the approval module directly.
type routerStarter struct {
	router *approvalservices.Router
}

func (s *routerStarter) StartApproval(ctx context.Context, tenantID string, templateID string, recordCtx map[string]any) (string, error) {
	instance, err := s.router.Start(ctx, tenantID, templateID, recordCtx)
	if err != nil {
		return "", err
	}
	return instance.ID, nil
}

// engineNotifier feeds approval resolutions back into the lifecycle engine
// holding the pending transition.
type engineNotifier struct {
	engine *lifecycleservices.Engine
}

const approvalActorID = "approval-engine"

func (n *engineNotifier) ApprovalResolved(ctx context.Context, tenantID string, approvalID string, approved bool) error {
	return n.engine.ResolveApproval(ctx, tenantID, approvalID, approved, approvalActorID)
}

func (n *engineNotifier) ApprovalCanceled(ctx context.Context, tenantID string, approvalID string) error {
	return n.engine.CancelApproval(ctx, tenantID, approvalID, approvalActorID)
}
