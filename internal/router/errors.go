package router

import (
	"errors"
	"fmt"

	"sanctuary/pkg/interfaces"
)

// Dispatch errors. Authorization failures wrap interfaces.ErrUnauthorized
// and lookups wrap interfaces.ErrSessionNotFound so replies can be coded.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	ErrNotJoined      = fmt.Errorf("%w: not joined to session", interfaces.ErrUnauthorized)
	ErrNotModerator   = fmt.Errorf("%w: host or moderator authority required", interfaces.ErrUnauthorized)
	ErrHostTarget     = fmt.Errorf("%w: only a host may act on a host", interfaces.ErrUnauthorized)
	ErrHostOnly       = fmt.Errorf("%w: only a host may grant the moderator role", interfaces.ErrUnauthorized)
	ErrKicked         = fmt.Errorf("%w: removed from this session", interfaces.ErrUnauthorized)
	ErrHostChannel    = fmt.Errorf("%w: host channel requires host or moderator authority", interfaces.ErrUnauthorized)
	ErrSessionNotLive = fmt.Errorf("%w: session is not live", interfaces.ErrSessionNotFound)
)
