// Package enginerr defines the error taxonomy shared by the compilers,
// the evaluator, the lifecycle engine and the approval router.
package enginerr

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func NewValidation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	_, ok := errors.AsType[*ValidationError](err)
	return ok
}

// CompileConflictError reports two overlays touching the same field path
// under conflict_mode=fail, or a scalar collision under merge.
type CompileConflictError struct {
	FieldPath string
	OverlayA  string
	OverlayB  string
}

func (e *CompileConflictError) Error() string {
	return fmt.Sprintf("compile conflict on %q between overlays %s and %s", e.FieldPath, e.OverlayA, e.OverlayB)
}

func NewCompileConflict(fieldPath, overlayA, overlayB string) error {
	return &CompileConflictError{FieldPath: fieldPath, OverlayA: overlayA, OverlayB: overlayB}
}

func IsCompileConflict(err error) bool {
	_, ok := errors.AsType[*CompileConflictError](err)
	return ok
}

type PolicyNotPublishedError struct {
	VersionID string
	Status    string
}

func (e *PolicyNotPublishedError) Error() string {
	return fmt.Sprintf("policy version %s is %s, not published", e.VersionID, e.Status)
}

func NewPolicyNotPublished(versionID, status string) error {
	return &PolicyNotPublishedError{VersionID: versionID, Status: status}
}

func IsPolicyNotPublished(err error) bool {
	_, ok := errors.AsType[*PolicyNotPublishedError](err)
	return ok
}

// InvalidTransitionError means no edge exists for (current state, operation).
type InvalidTransitionError struct {
	State     string
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from state %q for operation %q", e.State, e.Operation)
}

func NewInvalidTransition(state, operation string) error {
	return &InvalidTransitionError{State: state, Operation: operation}
}

func IsInvalidTransition(err error) bool {
	_, ok := errors.AsType[*InvalidTransitionError](err)
	return ok
}

// GateNotSatisfiedError carries the first reason the transition gate failed:
// a missing operation grant, a false condition, or a threshold breach.
type GateNotSatisfiedError struct {
	Reason string
}

func (e *GateNotSatisfiedError) Error() string {
	return "transition gate not satisfied: " + e.Reason
}

func NewGateNotSatisfied(reason string) error {
	return &GateNotSatisfiedError{Reason: reason}
}

func IsGateNotSatisfied(err error) bool {
	_, ok := errors.AsType[*GateNotSatisfiedError](err)
	return ok
}

type RoutingUnresolvedError struct {
	TemplateID string
	StageNo    int
}

func (e *RoutingUnresolvedError) Error() string {
	return fmt.Sprintf("no routing rule matched for template %s stage %d", e.TemplateID, e.StageNo)
}

func NewRoutingUnresolved(templateID string, stageNo int) error {
	return &RoutingUnresolvedError{TemplateID: templateID, StageNo: stageNo}
}

func IsRoutingUnresolved(err error) bool {
	_, ok := errors.AsType[*RoutingUnresolvedError](err)
	return ok
}

// ConcurrentModificationError signals an optimistic-lock version mismatch;
// callers re-read and retry.
type ConcurrentModificationError struct {
	Resource string
}

func (e *ConcurrentModificationError) Error() string {
	return "concurrent modification of " + e.Resource
}

func NewConcurrentModification(resource string) error {
	return &ConcurrentModificationError{Resource: resource}
}

func IsConcurrentModification(err error) bool {
	_, ok := errors.AsType[*ConcurrentModificationError](err)
	return ok
}
