package types

import "errors"

// Validation errors
var (
	ErrInvalidSessionID   = errors.New("session ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidUserID      = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName = errors.New("display name must be at most 64 characters")
	ErrInvalidSessionName = errors.New("session name must be 1-200 characters")
	ErrInvalidRole        = errors.New("invalid role: must be 'host', 'moderator' or 'participant'")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrInvalidAlertType   = errors.New("alert type must be 1-32 characters, alphanumeric + underscore/hyphen")
	ErrAlertTooLong       = errors.New("alert message exceeds 2000 characters")
	ErrEmptyMessage       = errors.New("message text cannot be empty")
	ErrMessageTooLong     = errors.New("message text exceeds 4000 characters")
	ErrInvalidEventKind   = errors.New("analytics event type must be 1-64 characters, alphanumeric + underscore/hyphen")
)

// ErrStoreUnavailable marks an infrastructure failure in the keyed store.
// It is logged and never surfaced to end users.
var ErrStoreUnavailable = errors.New("keyed store unavailable")
