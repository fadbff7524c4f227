package types

// Operation is one entry of the fixed action catalog (read, submit,
// approve, ...). The catalog changes rarely; the compiler validates every
// rule's operation references against it.
type Operation struct {
	Code              string
	CategoryCode      string
	ModuleKey         string
	RequiresRecord    bool
	RequiresOwnership bool
}

type OperationCategory struct {
	Code string
	Name string
}

type ConstraintType string

const (
	ConstraintNone   ConstraintType = "none"
	ConstraintOwn    ConstraintType = "own"
	ConstraintOU     ConstraintType = "ou"
	ConstraintModule ConstraintType = "module"
)

type Persona struct {
	ID   string
	Slug string
	Name string
}

// PersonaCapability grants one operation to a persona, subject to a
// constraint mode checked at evaluation time.
type PersonaCapability struct {
	PersonaSlug   string
	OperationCode string
	Constraint    ConstraintType
	ModuleKey     string
}
