package protocol

import "errors"

// ErrValidation wraps every decode and payload validation failure
var ErrValidation = errors.New("validation failed")

// Decode error causes
var (
	ErrMalformedFrame   = errors.New("frame is not a valid event envelope")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingField     = errors.New("required field missing")
	ErrFieldTooLong     = errors.New("field too long")
	ErrInvalidTarget    = errors.New("target is not a valid participant ID")
	ErrInvalidPromotion = errors.New("promotion role must be empty or 'moderator'")
	ErrTooManySettings  = errors.New("too many voice settings")
)

// Error codes reported to the issuing connection
const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
)
