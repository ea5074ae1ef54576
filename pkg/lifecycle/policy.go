package lifecycle

import "errors"

// PolicyError signals that policy, not malfunction, stopped the turn: a
// quota was exhausted, content was refused, access was denied. The engine
// surfaces Reason to the user as a notice and ends the turn in the Complete
// state.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// NewPolicyError creates a policy error with a user-facing reason.
func NewPolicyError(reason string) *PolicyError {
	return &PolicyError{Reason: reason}
}

// AsPolicyError unwraps a PolicyError from err, if present.
func AsPolicyError(err error) (*PolicyError, bool) {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
