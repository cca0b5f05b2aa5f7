package interfaces

import (
	"context"

	"sanctuary/pkg/types"
)

// Connection is one live bidirectional client connection as seen by the
// dispatch layer. Implementations must serialize writes; WriteJSON may be
// called from any goroutine.
type Connection interface {
	// ID is the opaque transport handle recorded on roster entries
	ID() string

	// Identity is fixed at connect time
	Identity() types.Identity

	// WriteJSON queues v for delivery
	WriteJSON(v interface{}) error

	// Close tears down the transport; safe to call more than once
	Close() error

	// HostToken returns the host token presented for a session, if any
	HostToken(sessionID string) string

	// SetHostToken remembers a host token presented for a session
	SetHostToken(sessionID, token string)

	// MarkJoined/MarkLeft track the sessions this connection joined so
	// disconnect cleanup knows where to remove it from
	MarkJoined(sessionID string)
	MarkLeft(sessionID string)
	JoinedSessions() []string
}

// EventDispatcher consumes inbound frames read from a connection.
// Frames from one connection are handed over in receive order.
type EventDispatcher interface {
	HandleFrame(ctx context.Context, conn Connection, data []byte)
}

// DisconnectNotifier is told when a connection is gone. It must not block
// the transport teardown.
type DisconnectNotifier interface {
	ConnectionClosed(conn Connection)
}

// IdentityVerifier turns a presented credential into a verified identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (types.Identity, error)
}
