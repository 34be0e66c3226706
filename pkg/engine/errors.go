package engine

// Error is a typed engine error, matching the *Error{Code, Message} shape
// used throughout the teacher's pkg/db and pkg/core (e.g. db.Error,
// core.Error) rather than ad hoc fmt.Errorf strings, so callers can
// switch on Code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Error codes named directly by spec §4.1's public contract.
const (
	CodeUnknownMachine      = "UNKNOWN_MACHINE"
	CodeUnknownInstance     = "UNKNOWN_INSTANCE"
	CodeInstanceInactive    = "INSTANCE_INACTIVE"
	CodeNoMatchingTransition = "NO_MATCHING_TRANSITION"
	CodeUnknownMethod       = "UNKNOWN_TRIGGERED_METHOD"
)

func errUnknownMachine(name string) error {
	return &Error{Code: CodeUnknownMachine, Message: "unknown machine: " + name}
}

func errUnknownInstance(id string) error {
	return &Error{Code: CodeUnknownInstance, Message: "unknown instance: " + id}
}

func errInstanceInactive(id string) error {
	return &Error{Code: CodeInstanceInactive, Message: "instance is not active: " + id}
}

func errNoMatchingTransition(machine, state, event string) error {
	return &Error{Code: CodeNoMatchingTransition, Message: "no transition declares matchingRules for " + machine + "/" + state + "/" + event}
}

func errUnknownMethod(name string) error {
	return &Error{Code: CodeUnknownMethod, Message: "unknown triggered method: " + name}
}
