package interfaces

import (
	"context"

	"sanctuary/pkg/types"
)

// SessionDirectory is the durable record of session configuration and
// host grants. It lives outside the ephemeral store.
type SessionDirectory interface {
	CreateSession(ctx context.Context, record *types.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error)
	UpdateSession(ctx context.Context, record *types.SessionRecord) error
	ListActiveSessions(ctx context.Context) ([]*types.SessionRecord, error)

	// StoreHostGrant persists a possession-based host grant
	StoreHostGrant(ctx context.Context, grant *types.HostGrant) error

	// GetHostGrant returns ErrGrantNotFound when absent; expiry is the
	// caller's check
	GetHostGrant(ctx context.Context, sessionID, tokenHash string) (*types.HostGrant, error)

	// RevokeHostGrants drops every grant of a session
	RevokeHostGrants(ctx context.Context, sessionID string) error
}

// MessageStore persists chat messages. The coordination core hands bodies
// over and never keeps them itself.
type MessageStore interface {
	StoreMessage(ctx context.Context, message *types.ChatMessage) error
	GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]*types.ChatMessage, error)
}

// DatabaseManager is the full persistence collaborator
type DatabaseManager interface {
	SessionDirectory
	MessageStore

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and releases the database
	Close() error
}
