package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"sanctuary/internal/state"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

const (
	// DefaultGrantTTL bounds how long a host token stays valid
	DefaultGrantTTL = 12 * time.Hour

	hostTokenBytes = 32
)

// Principal is what a connection presents for authorization
type Principal interface {
	Identity() types.Identity
	HostToken(sessionID string) string
}

// HostAuthority decides who may perform privileged actions on a session.
// Host authority is proven by possession of a granted token or by owning
// the session; moderator authority is a role on the roster entry.
type HostAuthority struct {
	repo      *state.Repository
	directory interfaces.SessionDirectory
	grantTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewHostAuthority creates the authority. directory may be nil, in which
// case grants and ownership live in the keyed store only.
func NewHostAuthority(repo *state.Repository, directory interfaces.SessionDirectory, grantTTL time.Duration, logger *slog.Logger) *HostAuthority {
	if grantTTL <= 0 {
		grantTTL = DefaultGrantTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HostAuthority{
		repo:      repo,
		directory: directory,
		grantTTL:  grantTTL,
		logger:    logger.With("component", "auth"),
		now:       time.Now,
	}
}

// HashToken is the only form in which host tokens are stored
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GrantHostToken mints a host token for the session. The plaintext token is
// returned once and never stored.
func (a *HostAuthority) GrantHostToken(ctx context.Context, sessionID string) (string, time.Time, error) {
	raw := make([]byte, hostTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate host token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	grant := &types.HostGrant{
		SessionID: sessionID,
		TokenHash: HashToken(token),
		ExpiresAt: a.now().Add(a.grantTTL),
	}

	if a.directory != nil {
		if err := a.directory.StoreHostGrant(ctx, grant); err != nil {
			return "", time.Time{}, fmt.Errorf("persist host grant: %w", err)
		}
	}
	if err := a.repo.PutHostGrant(ctx, grant); err != nil {
		if a.directory == nil {
			return "", time.Time{}, fmt.Errorf("cache host grant: %w", err)
		}
		a.logger.Warn("host grant not cached, directory will serve it", "session_id", sessionID, "error", err)
	}
	return token, grant.ExpiresAt, nil
}

// TokenGrantValid checks the cache first and falls back to the directory,
// re-caching a grant found there. Expired or revoked grants are invalid.
func (a *HostAuthority) TokenGrantValid(ctx context.Context, sessionID, token string) bool {
	if token == "" {
		return false
	}
	hash := HashToken(token)
	if a.repo.HasHostGrant(ctx, sessionID, hash) {
		return true
	}
	if a.directory == nil {
		return false
	}

	grant, err := a.directory.GetHostGrant(ctx, sessionID, hash)
	if err != nil {
		return false
	}
	if !a.now().Before(grant.ExpiresAt) {
		return false
	}
	if err := a.repo.PutHostGrant(ctx, grant); err != nil {
		a.logger.Debug("host grant rehydrate failed", "session_id", sessionID, "error", err)
	}
	return true
}

// RevokeGrants invalidates every host token of a session
func (a *HostAuthority) RevokeGrants(ctx context.Context, sessionID string) error {
	if a.directory != nil {
		if err := a.directory.RevokeHostGrants(ctx, sessionID); err != nil {
			return err
		}
	}
	return a.repo.DropHostGrants(ctx, sessionID)
}

// IsOwner reports whether an authenticated identity owns the session.
// Anonymous identities never own sessions.
func (a *HostAuthority) IsOwner(ctx context.Context, sessionID string, identity types.Identity) bool {
	if identity.Anonymous || identity.UserID == "" {
		return false
	}
	if session := a.repo.GetSession(ctx, sessionID); session != nil && session.OwnerID != "" {
		return session.OwnerID == identity.UserID
	}
	if a.directory == nil {
		return false
	}
	record, err := a.directory.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return record.OwnerID == identity.UserID
}

// IsHost holds when the principal presents a valid host token for the
// session or owns it
func (a *HostAuthority) IsHost(ctx context.Context, sessionID string, p Principal) bool {
	return a.TokenGrantValid(ctx, sessionID, p.HostToken(sessionID)) ||
		a.IsOwner(ctx, sessionID, p.Identity())
}

// CanModerate holds for hosts and for participants whose roster role is
// moderator
func (a *HostAuthority) CanModerate(ctx context.Context, sessionID string, p Principal) bool {
	if a.IsHost(ctx, sessionID, p) {
		return true
	}
	entry := a.repo.GetParticipant(ctx, sessionID, p.Identity().UserID)
	return entry != nil && entry.Role == types.RoleModerator
}
