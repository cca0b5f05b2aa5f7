package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sanctuary/internal/auth"
	"sanctuary/internal/protocol"
	"sanctuary/internal/state"
	"sanctuary/internal/websocket"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Created is returned once when a session goes live. HostToken is the only
// copy of the plaintext token.
type Created struct {
	Session            *types.SessionRecord `json:"session"`
	HostToken          string               `json:"host_token"`
	HostTokenExpiresAt time.Time            `json:"host_token_expires_at"`
}

// Summary is a directory record with its live counts
type Summary struct {
	Session      *types.SessionRecord `json:"session"`
	Connections  int                  `json:"connections"`
	Participants int                  `json:"participants"`
}

// Manager drives the session lifecycle across the directory, the live
// repository, host grants and connected subscribers
type Manager struct {
	directory interfaces.SessionDirectory
	repo      *state.Repository
	authority *auth.HostAuthority
	registry  *websocket.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a new session manager
func NewManager(directory interfaces.SessionDirectory, repo *state.Repository, authority *auth.HostAuthority, registry *websocket.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		directory: directory,
		repo:      repo,
		authority: authority,
		registry:  registry,
		logger:    logger.With("component", "session"),
		now:       time.Now,
	}
}

// LoadActiveSessions marks every session the directory still records as live
// in the repository, for restarts with an empty store
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	records, err := m.directory.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	restored := 0
	for _, record := range records {
		if m.repo.GetSession(ctx, record.ID) != nil {
			continue
		}
		if _, err := m.repo.UpsertSession(ctx, record.ID, livePatch(record)); err != nil {
			m.logger.Warn("session not restored", "session_id", record.ID, "error", err)
			continue
		}
		restored++
	}

	m.logger.Info("active sessions loaded", "directory", len(records), "restored", restored)
	return nil
}

// CreateSession records a new live session and mints its first host token.
// ownerID is optional; without it only token holders can host.
func (m *Manager) CreateSession(ctx context.Context, name, ownerID string) (*Created, error) {
	if err := types.ValidateSessionName(name); err != nil {
		return nil, err
	}
	if ownerID != "" && !types.IsValidUserID(ownerID) {
		return nil, ErrInvalidOwner
	}

	record := &types.SessionRecord{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		OwnerID:   ownerID,
		Status:    types.SessionStatusLive,
		CreatedAt: m.now().UTC(),
	}
	if err := m.directory.CreateSession(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, expiresAt, err := m.authority.GrantHostToken(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to grant host token: %w", err)
	}

	// the join path restores from the directory if this write is lost
	if _, err := m.repo.UpsertSession(ctx, record.ID, livePatch(record)); err != nil {
		m.logger.Warn("live state not initialized", "session_id", record.ID, "error", err)
	}

	m.logger.Info("session created", "session_id", record.ID, "owner_id", ownerID)
	return &Created{Session: record, HostToken: token, HostTokenExpiresAt: expiresAt}, nil
}

// GetSession returns the directory record with live counts
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Summary, error) {
	if !types.IsValidSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}
	record, err := m.directory.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return m.summarize(ctx, record), nil
}

// ListActiveSessions returns live sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*Summary, error) {
	records, err := m.directory.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	summaries := make([]*Summary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, m.summarize(ctx, record))
	}
	return summaries, nil
}

// EndSession ends a live session. Subscribers get session_ended, host
// grants are revoked and every live key of the session is removed.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	summary, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	record := summary.Session
	if record.Status == types.SessionStatusEnded {
		return ErrSessionAlreadyEnded
	}

	// the directory goes first so a concurrent join cannot restore the session
	endedAt := m.now().UTC()
	record.Status = types.SessionStatusEnded
	record.EndedAt = &endedAt
	if err := m.directory.UpdateSession(ctx, record); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	ended := types.SessionStatusEnded
	if _, err := m.repo.UpsertSession(ctx, sessionID, types.SessionPatch{Status: &ended}); err != nil {
		m.logger.Warn("live status not updated", "session_id", sessionID, "error", err)
	}

	notified := m.registry.CloseSession(sessionID, protocol.NewNotice(protocol.NoticeSessionEnded, sessionID, protocol.DepartureNotice{
		Reason: protocol.ReasonSessionEnded,
	}))

	if err := m.authority.RevokeGrants(ctx, sessionID); err != nil {
		m.logger.Warn("host grants not revoked", "session_id", sessionID, "error", err)
	}
	if err := m.repo.CleanupSession(ctx, sessionID); err != nil {
		m.logger.Warn("live state not fully removed", "session_id", sessionID, "error", err)
	}

	m.logger.Info("session ended", "session_id", sessionID, "notified", notified)
	return nil
}

// UpdateState merges an administrative patch into the live session and
// tells presence subscribers
func (m *Manager) UpdateState(ctx context.Context, sessionID string, patch types.SessionPatch) (*types.Session, error) {
	if patch.Status != nil && *patch.Status != types.SessionStatusLive {
		return nil, ErrInvalidStatus
	}
	if patch.Name != nil {
		if err := types.ValidateSessionName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.OwnerID != nil && *patch.OwnerID != "" && !types.IsValidUserID(*patch.OwnerID) {
		return nil, ErrInvalidOwner
	}

	summary, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if summary.Session.Status == types.SessionStatusEnded {
		return nil, ErrSessionAlreadyEnded
	}

	session, err := m.repo.UpsertSession(ctx, sessionID, patch)
	if err != nil {
		return nil, err
	}
	m.registry.Broadcast(protocol.NewNotice(protocol.NoticeSessionUpdated, sessionID, session), "",
		types.ChannelFor(types.ChannelPresence, sessionID))
	return session, nil
}

func (m *Manager) summarize(ctx context.Context, record *types.SessionRecord) *Summary {
	summary := &Summary{Session: record}
	if record.Status == types.SessionStatusLive {
		summary.Connections = m.registry.SessionConnectionCount(record.ID)
		summary.Participants = len(m.repo.GetRoster(ctx, record.ID))
	}
	return summary
}

func livePatch(record *types.SessionRecord) types.SessionPatch {
	status := types.SessionStatusLive
	return types.SessionPatch{
		OwnerID: &record.OwnerID,
		Name:    &record.Name,
		Status:  &status,
	}
}
