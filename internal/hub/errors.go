package hub

import (
	"errors"
)

var (
	ErrAuthFailure      = errors.New("authentication failed")
	ErrMalformed        = errors.New("malformed message")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnresolvedTarget = errors.New("target could not be resolved")
	ErrPersistence      = errors.New("persistence failure")
	ErrPBXUnavailable   = errors.New("pbx unavailable")
	ErrMissingField     = errors.New("missing required field")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrStopped          = errors.New("hub stopped")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrAuthFailure, "auth_failed"},
	{ErrMalformed, "malformed"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrUnresolvedTarget, "unresolved_target"},
	{ErrPersistence, "persistence_failure"},
	{ErrPBXUnavailable, "pbx_unavailable"},
	{ErrMissingField, "missing_field"},
	{ErrNotAuthenticated, "not_authenticated"},
	{ErrAlreadyLoggedIn, "already_logged_in"},
	{ErrUnknownOperation, "unknown_operation"},
}

// reasonOf maps an error to the reason code carried by failure responses.
func reasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal_error"
}
