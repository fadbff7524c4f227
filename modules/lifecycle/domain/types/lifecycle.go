package types

// Lifecycle is one versioned state machine: named states and directed
// transition edges labeled by operation code. Published lifecycles are
// immutable; edits produce a new version.
type Lifecycle struct {
	ID             string
	TenantID       string
	Name           string
	VersionNo      int
	InitialStateID string
	States         []State
	Transitions    []Transition
}

type State struct {
	ID         string
	Code       string
	IsTerminal bool
}

// Transition is a directed edge. A nil Gate means the edge fires
// unconditionally for any actor holding the operation.
type Transition struct {
	ID            string
	FromStateID   string
	ToStateID     string
	OperationCode string
	Gate          *TransitionGate
}

// TransitionGate guards one edge. RejectStateID applies only to
// approval-gated edges: the state entered when the approval resolves
// negatively. Empty means the record stays in the from-state.
type TransitionGate struct {
	RequiredOperations []string
	Condition          string // CEL over the record document, empty = always
	ThresholdModule    string // rego source, empty = no threshold check
	ApprovalTemplateID string
	RejectStateID      string
}

// Binding routes an entity to a lifecycle. Among bindings whose condition
// matches the record, the highest priority wins.
type Binding struct {
	ID          string
	TenantID    string
	EntityName  string
	LifecycleID string
	Priority    int
	Condition   string // CEL, empty = always
}

func (l Lifecycle) StateByID(id string) (State, bool) {
	for _, s := range l.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// EdgeFor finds the transition leaving fromStateID under operationCode.
func (l Lifecycle) EdgeFor(fromStateID string, operationCode string) (Transition, bool) {
	for _, t := range l.Transitions {
		if t.FromStateID == fromStateID && t.OperationCode == operationCode {
			return t, true
		}
	}
	return Transition{}, false
}

func (l Lifecycle) TransitionByID(id string) (Transition, bool) {
	for _, t := range l.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return Transition{}, false
}
