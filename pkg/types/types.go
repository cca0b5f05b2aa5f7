package types

import (
	"time"
)

// Participant roles
const (
	RoleHost        = "host"
	RoleModerator   = "moderator"
	RoleParticipant = "participant"
)

// Participant connection states
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Session lifecycle states
const (
	SessionStatusLive  = "live"
	SessionStatusEnded = "ended"
)

// Alert states
const (
	AlertStatusActive   = "active"
	AlertStatusResolved = "resolved"
)

// Alert severities, derived from the alert type
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Analytics event kinds emitted by the coordination layer itself.
// Administrative code paths may ingest any other kind.
const (
	AnalyticsJoin         = "join"
	AnalyticsLeave        = "leave"
	AnalyticsKick         = "kick"
	AnalyticsMessageSent  = "message_sent"
	AnalyticsAlertRaised  = "alert_raised"
	AnalyticsAlertClosed  = "alert_resolved"
	AnalyticsRoleChanged  = "role_changed"
	AnalyticsVoiceChanged = "voice_changed"
)

// Metric names kept in Session.Metrics
const (
	MetricParticipantCount       = "participantCount"
	MetricActiveParticipantCount = "activeParticipantCount"
)

// Session is the live, ephemeral state of one sanctuary.
// Version increments on every mutation; Metrics is an open bag.
type Session struct {
	ID          string                 `json:"id"`
	OwnerID     string                 `json:"owner_id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Version     int64                  `json:"version"`
	LastUpdated time.Time              `json:"last_updated"`
	Metrics     map[string]interface{} `json:"metrics"`
}

// SessionPatch is merged into a Session by UpsertSession.
// Nil fields are left untouched; Metrics entries overwrite per key.
type SessionPatch struct {
	OwnerID *string                `json:"owner_id,omitempty"`
	Name    *string                `json:"name,omitempty"`
	Status  *string                `json:"status,omitempty"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// Participant is one connection's membership in a session.
// At most one entry exists per (session, ID).
type Participant struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	TransportHandle string    `json:"transport_handle"`
	Anonymous       bool      `json:"anonymous"`
	Role            string    `json:"role"`
	Status          string    `json:"status"`
	Muted           bool      `json:"muted"`
	Speaking        bool      `json:"speaking"`
	HandRaised      bool      `json:"hand_raised"`
	Speaker         bool      `json:"speaker"`
	JoinedAt        time.Time `json:"joined_at"`
	LastSeen        time.Time `json:"last_seen"`
}

// ParticipantPatch is merged into a roster entry by UpdateParticipantStatus.
type ParticipantPatch struct {
	Status     *string `json:"status,omitempty"`
	Role       *string `json:"role,omitempty"`
	Muted      *bool   `json:"muted,omitempty"`
	Speaking   *bool   `json:"speaking,omitempty"`
	HandRaised *bool   `json:"hand_raised,omitempty"`
	Speaker    *bool   `json:"speaker,omitempty"`
}

// EmergencyAlert is a safety escalation raised by any participant.
type EmergencyAlert struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	Severity   string     `json:"severity"`
	ReporterID string     `json:"reporter_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     string     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AnalyticsEvent is an append-only observability record.
type AnalyticsEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	ParticipantID string                 `json:"participant_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// VoiceState is a participant's active voice-feature configuration.
// It lives under its own key so toggling it never rewrites the roster.
type VoiceState struct {
	ParticipantID string             `json:"participant_id"`
	ProfileID     string             `json:"profile_id"`
	Settings      map[string]float64 `json:"settings,omitempty"`
	Active        bool               `json:"active"`
	LastUsed      time.Time          `json:"last_used"`
}

// Overview is the single-call live view of a session.
// Sections that could not be read are empty, never nil.
type Overview struct {
	Session         *Session         `json:"session"`
	Participants    []Participant    `json:"participants"`
	ActiveAlerts    []EmergencyAlert `json:"active_alerts"`
	RecentAnalytics []AnalyticsEvent `json:"recent_analytics"`
	VoiceStates     []VoiceState     `json:"voice_states"`
}

// IsEmpty reports whether no state is known for the session.
func (o *Overview) IsEmpty() bool {
	return o.Session == nil &&
		len(o.Participants) == 0 &&
		len(o.ActiveAlerts) == 0 &&
		len(o.RecentAnalytics) == 0 &&
		len(o.VoiceStates) == 0
}

// Identity is who a connection is. Anonymous identities exist only for
// the lifetime of the connection that created them.
type Identity struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Anonymous   bool     `json:"anonymous"`
	Roles       []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries the role hint.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SessionRecord is the durable session configuration kept by the
// session directory (outside the ephemeral store).
type SessionRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"owner_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// HostGrant is a possession-based host credential record.
// Only the token hash is ever stored.
type HostGrant struct {
	SessionID string    `json:"session_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChatMessage is a chat line handed to the message store collaborator.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	FromUser  string    `json:"from_user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
