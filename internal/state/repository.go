package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

const (
	// DefaultSessionTTL is how long live state survives without a write
	DefaultSessionTTL = 6 * time.Hour

	// MaxAlerts is the per-session emergency alert log length
	MaxAlerts = 50

	// MaxAnalyticsEvents is the per-session analytics ring buffer length
	MaxAnalyticsEvents = 1000

	// OverviewAnalyticsEvents is how many recent events GetOverview returns
	OverviewAnalyticsEvents = 100
)

// Repository is typed access to live session state.
// Every mutation is a single-key read-modify-write on the store; composed
// operations are individually consistent but not transactional together.
type Repository struct {
	store  interfaces.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Repository
type Option func(*Repository)

// WithTTL sets the inactivity TTL applied on every write
func WithTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the repository logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository layers the repository over a keyed store
func NewRepository(store interfaces.Store, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		ttl:    DefaultSessionTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "state")
	return r
}

// TTL reports the inactivity TTL applied on writes
func (r *Repository) TTL() time.Duration {
	return r.ttl
}

// UpsertSession merges patch into the session, creating it when absent.
// Version is incremented and LastUpdated stamped on every call.
func (r *Repository) UpsertSession(ctx context.Context, sessionID string, patch types.SessionPatch) (*types.Session, error) {
	if !types.IsValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	return r.updateSession(ctx, sessionID, true, func(s *types.Session) {
		applySessionPatch(s, patch)
	})
}

// GetSession returns the session snapshot with counts derived from the
// current roster, or nil when absent
func (r *Repository) GetSession(ctx context.Context, sessionID string) *types.Session {
	var session types.Session
	if !r.read(ctx, sessionKey(sessionID), &session) {
		return nil
	}
	applyCounts(&session, r.GetRoster(ctx, sessionID))
	return &session
}

// LiveSessionIDs lists sessions with state in the store
func (r *Repository) LiveSessionIDs(ctx context.Context) []string {
	keys := r.store.ListKeys(ctx, liveSessionPrefix)
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, liveSessionPrefix))
	}
	return ids
}

// AddParticipant inserts p or replaces the entry with the same ID in place,
// then recomputes the session counts. The full roster is returned.
func (r *Repository) AddParticipant(ctx context.Context, sessionID string, p types.Participant) ([]types.Participant, error) {
	now := r.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	if p.Status == "" {
		p.Status = types.StatusConnected
	}
	if p.Role == "" {
		p.Role = types.RoleParticipant
	}

	roster, err := r.mutateRoster(ctx, sessionID, func(roster []types.Participant) ([]types.Participant, bool) {
		for i := range roster {
			if roster[i].ID == p.ID {
				roster[i] = p
				return roster, true
			}
		}
		return append(roster, p), true
	})
	if err != nil {
		return nil, err
	}
	r.recomputeCounts(ctx, sessionID, roster)
	return roster, nil
}

// RemoveParticipant drops the entry with the given ID. Removing an absent
// participant is a no-op.
func (r *Repository) RemoveParticipant(ctx context.Context, sessionID, participantID string) ([]types.Participant, error) {
	roster, _, err := r.removeWhere(ctx, sessionID, func(p types.Participant) bool {
		return p.ID == participantID
	})
	return roster, err
}

// RemoveParticipantIfHandle drops the entry only while it still belongs to
// the given transport handle, so a stale connection's cleanup cannot remove
// a newer rejoin.
func (r *Repository) RemoveParticipantIfHandle(ctx context.Context, sessionID, participantID, handle string) ([]types.Participant, bool, error) {
	return r.removeWhere(ctx, sessionID, func(p types.Participant) bool {
		return p.ID == participantID && p.TransportHandle == handle
	})
}

func (r *Repository) removeWhere(ctx context.Context, sessionID string, match func(types.Participant) bool) ([]types.Participant, bool, error) {
	var removed bool
	roster, err := r.mutateRoster(ctx, sessionID, func(roster []types.Participant) ([]types.Participant, bool) {
		removed = false
		out := roster[:0]
		for _, p := range roster {
			if match(p) {
				removed = true
				continue
			}
			out = append(out, p)
		}
		return out, removed
	})
	if err != nil {
		return nil, false, err
	}
	if removed {
		r.recomputeCounts(ctx, sessionID, roster)
	}
	return roster, removed, nil
}

// GetRoster returns the roster in join order; empty when absent
func (r *Repository) GetRoster(ctx context.Context, sessionID string) []types.Participant {
	var roster []types.Participant
	if !r.read(ctx, participantsKey(sessionID), &roster) || roster == nil {
		return []types.Participant{}
	}
	return roster
}

// GetParticipant returns one roster entry or nil
func (r *Repository) GetParticipant(ctx context.Context, sessionID, participantID string) *types.Participant {
	for _, p := range r.GetRoster(ctx, sessionID) {
		if p.ID == participantID {
			return &p
		}
	}
	return nil
}

// UpdateParticipantStatus merges patch into the roster entry and stamps
// LastSeen. It returns nil without error when the participant is gone.
func (r *Repository) UpdateParticipantStatus(ctx context.Context, sessionID, participantID string, patch types.ParticipantPatch) (*types.Participant, error) {
	return r.mutateParticipant(ctx, sessionID, participantID, func(p *types.Participant) error {
		applyParticipantPatch(p, patch)
		return nil
	})
}

// ToggleMute flips the muted flag; muting also clears speaking
func (r *Repository) ToggleMute(ctx context.Context, sessionID, participantID string) (*types.Participant, error) {
	return r.mutateParticipant(ctx, sessionID, participantID, func(p *types.Participant) error {
		p.Muted = !p.Muted
		if p.Muted {
			p.Speaking = false
		}
		return nil
	})
}

// SetSpeaking sets the speaking flag. A muted participant cannot start
// speaking.
func (r *Repository) SetSpeaking(ctx context.Context, sessionID, participantID string, speaking bool) (*types.Participant, error) {
	return r.mutateParticipant(ctx, sessionID, participantID, func(p *types.Participant) error {
		if speaking && p.Muted {
			return ErrParticipantMuted
		}
		p.Speaking = speaking
		return nil
	})
}

// mutateParticipant applies fn to one roster entry atomically. fn errors
// leave the roster untouched and are returned as-is.
func (r *Repository) mutateParticipant(ctx context.Context, sessionID, participantID string, fn func(*types.Participant) error) (*types.Participant, error) {
	var (
		updated *types.Participant
		fnErr   error
	)
	now := r.now()
	_, err := r.mutateRoster(ctx, sessionID, func(roster []types.Participant) ([]types.Participant, bool) {
		updated, fnErr = nil, nil
		for i := range roster {
			if roster[i].ID != participantID {
				continue
			}
			candidate := roster[i]
			if fnErr = fn(&candidate); fnErr != nil {
				return roster, false
			}
			candidate.LastSeen = now
			roster[i] = candidate
			updated = &candidate
			return roster, true
		}
		return roster, false
	})
	if err != nil {
		return nil, err
	}
	if fnErr != nil {
		return nil, fnErr
	}
	if updated != nil {
		r.touchSession(ctx, sessionID)
	}
	return updated, nil
}

// mutateRoster runs fn over the decoded roster. Returning changed=false
// leaves the stored value as it was.
func (r *Repository) mutateRoster(ctx context.Context, sessionID string, fn func([]types.Participant) ([]types.Participant, bool)) ([]types.Participant, error) {
	var result []types.Participant
	_, err := r.store.Update(ctx, participantsKey(sessionID), r.ttl, func(current []byte, exists bool) ([]byte, bool) {
		var roster []types.Participant
		if exists {
			if err := json.Unmarshal(current, &roster); err != nil {
				r.logger.Warn("discarding unreadable roster", "session_id", sessionID, "error", err)
				roster = nil
			}
		}
		next, changed := fn(roster)
		result = next
		if !changed {
			result = roster
			return current, exists
		}
		if len(next) == 0 {
			return nil, false
		}
		data, err := json.Marshal(next)
		if err != nil {
			return current, exists
		}
		return data, true
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []types.Participant{}
	}
	return result, nil
}

// recomputeCounts writes the roster-derived counts into the session metrics
// bag. Sessions that are no longer live are left alone.
func (r *Repository) recomputeCounts(ctx context.Context, sessionID string, roster []types.Participant) {
	_, err := r.updateSession(ctx, sessionID, false, func(s *types.Session) {
		applyCounts(s, roster)
	})
	if err != nil {
		r.logger.Warn("failed to recompute participant counts", "session_id", sessionID, "error", err)
	}
}

// touchSession bumps version and TTL after a roster entry changed
func (r *Repository) touchSession(ctx context.Context, sessionID string) {
	if _, err := r.updateSession(ctx, sessionID, false, func(*types.Session) {}); err != nil {
		r.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}
}

func (r *Repository) updateSession(ctx context.Context, sessionID string, create bool, fn func(*types.Session)) (*types.Session, error) {
	var snapshot *types.Session
	now := r.now()
	_, err := r.store.Update(ctx, sessionKey(sessionID), r.ttl, func(current []byte, exists bool) ([]byte, bool) {
		snapshot = nil
		var s types.Session
		if exists {
			if err := json.Unmarshal(current, &s); err != nil {
				r.logger.Warn("discarding unreadable session", "session_id", sessionID, "error", err)
				exists = false
				s = types.Session{}
			}
		}
		if !exists && !create {
			return nil, false
		}
		if !exists {
			s.ID = sessionID
		}
		if s.Metrics == nil {
			s.Metrics = make(map[string]interface{})
		}
		fn(&s)
		s.Version++
		s.LastUpdated = now
		data, err := json.Marshal(&s)
		if err != nil {
			return current, exists
		}
		snapshot = &s
		return data, true
	})
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		r.extendSession(ctx, sessionID)
	}
	return snapshot, nil
}

// extendSession gives every key held for the session a full TTL from now,
// so alerts, kick marks, voice and analytics live exactly as long as the
// session they belong to. Host grants keep their own expiry.
func (r *Repository) extendSession(ctx context.Context, sessionID string) {
	keys := []string{
		sessionKey(sessionID),
		participantsKey(sessionID),
		alertsKey(sessionID),
		analyticsKey(sessionID),
	}
	keys = append(keys, r.store.ListKeys(ctx, voicePrefix(sessionID))...)
	keys = append(keys, r.store.ListKeys(ctx, kickedPrefix(sessionID))...)
	for _, key := range keys {
		if _, err := r.store.Expire(ctx, key, r.ttl); err != nil {
			r.logger.Warn("failed to extend session state", "session_id", sessionID, "key", key, "error", err)
			return
		}
	}
}

// SetVoiceState stores a participant's voice configuration
func (r *Repository) SetVoiceState(ctx context.Context, sessionID, participantID string, vs types.VoiceState) (*types.VoiceState, error) {
	vs.ParticipantID = participantID
	vs.LastUsed = r.now()
	data, err := json.Marshal(&vs)
	if err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, voiceKey(sessionID, participantID), data, r.ttl); err != nil {
		return nil, err
	}
	r.extendSession(ctx, sessionID)
	return &vs, nil
}

// ClearVoiceState removes a participant's voice configuration
func (r *Repository) ClearVoiceState(ctx context.Context, sessionID, participantID string) error {
	return r.store.Delete(ctx, voiceKey(sessionID, participantID))
}

// GetVoiceState returns nil when no configuration is active
func (r *Repository) GetVoiceState(ctx context.Context, sessionID, participantID string) *types.VoiceState {
	var vs types.VoiceState
	if !r.read(ctx, voiceKey(sessionID, participantID), &vs) {
		return nil
	}
	return &vs
}

func (r *Repository) listVoiceStates(ctx context.Context, sessionID string) []types.VoiceState {
	states := []types.VoiceState{}
	for _, key := range r.store.ListKeys(ctx, voicePrefix(sessionID)) {
		var vs types.VoiceState
		if r.read(ctx, key, &vs) {
			states = append(states, vs)
		}
	}
	return states
}

// AppendEmergencyAlert assigns id, timestamp, severity and active status,
// appends the alert and keeps only the most recent MaxAlerts.
func (r *Repository) AppendEmergencyAlert(ctx context.Context, sessionID string, alert types.EmergencyAlert) (*types.EmergencyAlert, error) {
	alert.ID = uuid.NewString()
	alert.Timestamp = r.now()
	alert.Status = types.AlertStatusActive
	alert.Severity = types.SeverityForAlertType(alert.Type)
	alert.ResolvedAt = nil
	alert.ResolvedBy = ""

	err := r.mutateAlerts(ctx, sessionID, func(alerts []types.EmergencyAlert) ([]types.EmergencyAlert, bool) {
		alerts = append(alerts, alert)
		if len(alerts) > MaxAlerts {
			alerts = alerts[len(alerts)-MaxAlerts:]
		}
		return alerts, true
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ResolveEmergencyAlert marks the alert resolved. It returns nil without
// error when the alert is unknown.
func (r *Repository) ResolveEmergencyAlert(ctx context.Context, sessionID, alertID, resolvedBy string) (*types.EmergencyAlert, error) {
	var resolved *types.EmergencyAlert
	now := r.now()
	err := r.mutateAlerts(ctx, sessionID, func(alerts []types.EmergencyAlert) ([]types.EmergencyAlert, bool) {
		resolved = nil
		for i := range alerts {
			if alerts[i].ID != alertID {
				continue
			}
			if alerts[i].Status == types.AlertStatusResolved {
				a := alerts[i]
				resolved = &a
				return alerts, false
			}
			alerts[i].Status = types.AlertStatusResolved
			alerts[i].ResolvedBy = resolvedBy
			at := now
			alerts[i].ResolvedAt = &at
			a := alerts[i]
			resolved = &a
			return alerts, true
		}
		return alerts, false
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ListAlerts returns every retained alert, oldest first
func (r *Repository) ListAlerts(ctx context.Context, sessionID string) []types.EmergencyAlert {
	var alerts []types.EmergencyAlert
	if !r.read(ctx, alertsKey(sessionID), &alerts) || alerts == nil {
		return []types.EmergencyAlert{}
	}
	return alerts
}

func (r *Repository) mutateAlerts(ctx context.Context, sessionID string, fn func([]types.EmergencyAlert) ([]types.EmergencyAlert, bool)) error {
	var changed bool
	_, err := r.store.Update(ctx, alertsKey(sessionID), r.ttl, func(current []byte, exists bool) ([]byte, bool) {
		var alerts []types.EmergencyAlert
		if exists {
			if err := json.Unmarshal(current, &alerts); err != nil {
				r.logger.Warn("discarding unreadable alert log", "session_id", sessionID, "error", err)
				alerts = nil
			}
		}
		var next []types.EmergencyAlert
		next, changed = fn(alerts)
		if !changed {
			return current, exists
		}
		data, err := json.Marshal(next)
		if err != nil {
			changed = false
			return current, exists
		}
		return data, true
	})
	if err != nil {
		return err
	}
	if changed {
		r.extendSession(ctx, sessionID)
	}
	return nil
}

// AppendAnalyticsEvent assigns id and timestamp and appends to the ring
// buffer, evicting the oldest events past MaxAnalyticsEvents.
func (r *Repository) AppendAnalyticsEvent(ctx context.Context, sessionID string, event types.AnalyticsEvent) (*types.AnalyticsEvent, error) {
	event.ID = uuid.NewString()
	event.Timestamp = r.now()

	_, err := r.store.Update(ctx, analyticsKey(sessionID), r.ttl, func(current []byte, exists bool) ([]byte, bool) {
		var events []types.AnalyticsEvent
		if exists {
			if err := json.Unmarshal(current, &events); err != nil {
				r.logger.Warn("discarding unreadable analytics buffer", "session_id", sessionID, "error", err)
				events = nil
			}
		}
		events = append(events, event)
		if len(events) > MaxAnalyticsEvents {
			events = events[len(events)-MaxAnalyticsEvents:]
		}
		data, err := json.Marshal(events)
		if err != nil {
			return current, exists
		}
		return data, true
	})
	if err != nil {
		return nil, err
	}
	r.extendSession(ctx, sessionID)
	return &event, nil
}

// ListAnalytics returns the buffered events, oldest first
func (r *Repository) ListAnalytics(ctx context.Context, sessionID string) []types.AnalyticsEvent {
	var events []types.AnalyticsEvent
	if !r.read(ctx, analyticsKey(sessionID), &events) || events == nil {
		return []types.AnalyticsEvent{}
	}
	return events
}

// GetOverview gathers the live view with concurrent reads. Any read that
// comes back absent becomes an empty section; the call itself never fails.
func (r *Repository) GetOverview(ctx context.Context, sessionID string) *types.Overview {
	var (
		session   types.Session
		hasState  bool
		roster    []types.Participant
		alerts    []types.EmergencyAlert
		analytics []types.AnalyticsEvent
		voices    []types.VoiceState
	)

	// The group only fans out the reads; reads degrade to absent and never
	// return an error.
	var g errgroup.Group
	g.Go(func() error {
		hasState = r.read(ctx, sessionKey(sessionID), &session)
		return nil
	})
	g.Go(func() error {
		roster = r.GetRoster(ctx, sessionID)
		return nil
	})
	g.Go(func() error {
		alerts = r.ListAlerts(ctx, sessionID)
		return nil
	})
	g.Go(func() error {
		analytics = r.ListAnalytics(ctx, sessionID)
		return nil
	})
	g.Go(func() error {
		voices = r.listVoiceStates(ctx, sessionID)
		return nil
	})
	_ = g.Wait()

	overview := &types.Overview{
		Participants:    roster,
		ActiveAlerts:    []types.EmergencyAlert{},
		RecentAnalytics: analytics,
		VoiceStates:     voices,
	}
	if hasState {
		applyCounts(&session, roster)
		overview.Session = &session
	}
	for _, a := range alerts {
		if a.Status == types.AlertStatusActive {
			overview.ActiveAlerts = append(overview.ActiveAlerts, a)
		}
	}
	if len(analytics) > OverviewAnalyticsEvents {
		overview.RecentAnalytics = analytics[len(analytics)-OverviewAnalyticsEvents:]
	}
	return overview
}

// MarkKicked records that an identity was removed by a host or moderator
// and may not rejoin while the session is live
func (r *Repository) MarkKicked(ctx context.Context, sessionID, participantID string) error {
	if err := r.store.Set(ctx, kickedKey(sessionID, participantID), []byte(r.now().Format(time.RFC3339)), r.ttl); err != nil {
		return err
	}
	r.extendSession(ctx, sessionID)
	return nil
}

// IsKicked reports whether an identity was kicked from the session
func (r *Repository) IsKicked(ctx context.Context, sessionID, participantID string) bool {
	_, ok := r.store.Get(ctx, kickedKey(sessionID, participantID))
	return ok
}

// PutHostGrant caches a host grant until it expires
func (r *Repository) PutHostGrant(ctx context.Context, grant *types.HostGrant) error {
	ttl := grant.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.store.Set(ctx, hostGrantKey(grant.SessionID, grant.TokenHash), []byte(grant.ExpiresAt.Format(time.RFC3339Nano)), ttl)
}

// HasHostGrant reports whether an unexpired grant is cached
func (r *Repository) HasHostGrant(ctx context.Context, sessionID, tokenHash string) bool {
	raw, ok := r.store.Get(ctx, hostGrantKey(sessionID, tokenHash))
	if !ok {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return false
	}
	return r.now().Before(expiresAt)
}

// DropHostGrants removes every cached host grant of a session
func (r *Repository) DropHostGrants(ctx context.Context, sessionID string) error {
	_, err := r.store.DeleteMatching(ctx, hostGrantPrefix(sessionID))
	return err
}

// CleanupSession removes every key held for the session. It is idempotent
// and attempts every deletion even when one fails; the first error is
// returned.
func (r *Repository) CleanupSession(ctx context.Context, sessionID string) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, key := range []string{
		sessionKey(sessionID),
		participantsKey(sessionID),
		alertsKey(sessionID),
		analyticsKey(sessionID),
	} {
		record(r.store.Delete(ctx, key))
	}
	for _, prefix := range []string{
		voicePrefix(sessionID),
		kickedPrefix(sessionID),
		hostGrantPrefix(sessionID),
	} {
		_, err := r.store.DeleteMatching(ctx, prefix)
		record(err)
	}

	if firstErr != nil {
		r.logger.Warn("session cleanup incomplete", "session_id", sessionID, "error", firstErr)
	} else {
		r.logger.Debug("session state cleaned up", "session_id", sessionID)
	}
	return firstErr
}

// read decodes a key into v; unreadable values count as absent
func (r *Repository) read(ctx context.Context, key string, v interface{}) bool {
	raw, ok := r.store.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		r.logger.Warn("ignoring unreadable value", "key", key, "error", err)
		return false
	}
	return true
}

func applySessionPatch(s *types.Session, patch types.SessionPatch) {
	if patch.OwnerID != nil {
		s.OwnerID = *patch.OwnerID
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	for k, v := range patch.Metrics {
		s.Metrics[k] = v
	}
}

func applyParticipantPatch(p *types.Participant, patch types.ParticipantPatch) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Role != nil {
		p.Role = *patch.Role
	}
	if patch.Muted != nil {
		p.Muted = *patch.Muted
		if p.Muted {
			p.Speaking = false
		}
	}
	if patch.Speaking != nil && !(p.Muted && *patch.Speaking) {
		p.Speaking = *patch.Speaking
	}
	if patch.HandRaised != nil {
		p.HandRaised = *patch.HandRaised
	}
	if patch.Speaker != nil {
		p.Speaker = *patch.Speaker
	}
}

func applyCounts(s *types.Session, roster []types.Participant) {
	if s.Metrics == nil {
		s.Metrics = make(map[string]interface{})
	}
	active := 0
	for _, p := range roster {
		if p.Status == types.StatusConnected {
			active++
		}
	}
	s.Metrics[types.MetricParticipantCount] = len(roster)
	s.Metrics[types.MetricActiveParticipantCount] = active
}
