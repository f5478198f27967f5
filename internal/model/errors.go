package model

import "errors"

// Domain error taxonomy. Stores and services wrap these with fmt.Errorf("...: %w")
// so the transport layers can map them with errors.Is.
var (
	// ErrValidation marks malformed or unauthorized input. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrAgentNotFound is returned when a referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNotFound is returned when a requested entity (owner, aggregate) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAgentRevoked is a policy rejection: revoked agents cannot log actions.
	ErrAgentRevoked = errors.New("agent revoked")
	// ErrConflict is returned on uniqueness violations and illegal state transitions.
	ErrConflict = errors.New("conflict")
	// ErrStorage marks an infrastructure failure. Safe for the caller to retry
	// the same request; the engine itself never retries it.
	ErrStorage = errors.New("storage failure")
)
