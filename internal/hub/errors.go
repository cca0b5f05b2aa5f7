package hub

import "errors"

// Hub error types
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrInvalidTask       = errors.New("maintenance task needs a name, a positive interval and a function")
)
