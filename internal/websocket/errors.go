package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write buffer full past the write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNotRegistered = errors.New("connection is not registered")
)

// Handler-related errors
var (
	ErrNoVerifier      = errors.New("credential presented but no verifier configured")
	ErrMalformedBearer = errors.New("malformed Authorization header")
)
