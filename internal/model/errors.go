package model

import "fmt"

// InvariantError reports a violated data-model invariant (spec §3). Callers
// at the store boundary should treat this as a client error (spec §7).
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return fmt.Sprintf("invariant violated: %s", e.Message) }

func errInvariant(msg string) error { return &InvariantError{Message: msg} }
