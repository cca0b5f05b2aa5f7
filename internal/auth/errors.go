package auth

import "errors"

// Auth error types
var (
	ErrMissingSecret  = errors.New("jwt secret is required")
	ErrMissingSubject = errors.New("credential has no subject")
	ErrInvalidSubject = errors.New("credential subject is not a valid user ID")
)
