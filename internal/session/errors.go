package session

import (
	"errors"
	"fmt"

	"sanctuary/pkg/interfaces"
)

// Session lifecycle errors
var (
	ErrInvalidOwner        = errors.New("owner_id must be valid user ID")
	ErrSessionNotFound     = fmt.Errorf("session lifecycle: %w", interfaces.ErrSessionNotFound)
	ErrSessionAlreadyEnded = errors.New("session is already ended")
	ErrInvalidStatus       = errors.New("status must be 'live' or 'ended'; end sessions through the lifecycle API")
)
