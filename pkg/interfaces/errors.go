package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrGrantNotFound   = errors.New("host grant not found")
	ErrUnauthorized    = errors.New("unauthorized access")
	ErrInvalidIdentity = errors.New("credential failed verification")
)
