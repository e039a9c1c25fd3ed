package tools

import "fmt"

// ErrToolUnavailable is returned when the model calls a tool that is not
// registered.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArgument reports a missing or malformed tool argument. The
// message is shown to the model so it can correct the call.
type ErrInvalidArgument struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// Code classifies the failure in the error payload.
func (e *ErrInvalidArgument) Code() string { return "invalid_argument" }

// Coder is implemented by handler errors that carry a machine-readable
// code. Execute copies it into the "code" field of the error payload.
type Coder interface {
	Code() string
}
