package state

import "errors"

// Repository error types
var (
	ErrParticipantMuted = errors.New("participant is muted")
	ErrInvalidSession   = errors.New("session ID is invalid")
)
