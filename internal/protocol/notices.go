package protocol

import (
	"time"

	"sanctuary/pkg/types"
)

// NoticeType names an outbound message
type NoticeType string

// Outbound notice types
const (
	NoticeAck                NoticeType = "ack"
	NoticeError              NoticeType = "error"
	NoticeParticipantJoined  NoticeType = "participant_joined"
	NoticeParticipantLeft    NoticeType = "participant_left"
	NoticeParticipantUpdated NoticeType = "participant_updated"
	NoticeRoleChanged        NoticeType = "role_changed"
	NoticeForceMuted         NoticeType = "force_muted"
	NoticePromoted           NoticeType = "promoted"
	NoticeRemoved            NoticeType = "removed"
	NoticeEmergencyAlert     NoticeType = "emergency_alert"
	NoticeAlertResolved      NoticeType = "alert_resolved"
	NoticeChatMessage        NoticeType = "chat_message"
	NoticeVoiceState         NoticeType = "voice_state"
	NoticeVoiceInvite        NoticeType = "voice_invite"
	NoticeSessionUpdated     NoticeType = "session_updated"
	NoticeSessionEnded       NoticeType = "session_ended"
)

// Departure reasons carried by participant_left
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonKicked       = "kicked"
	ReasonSessionEnded = "session_ended"
)

// Notice is the wire shape of every outbound message
type Notice struct {
	Type      NoticeType  `json:"type"`
	Ref       string      `json:"ref,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewNotice builds a broadcast or directed notice
func NewNotice(t NoticeType, sessionID string, payload interface{}) *Notice {
	return &Notice{
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Ack answers an inbound event that carried a ref
func Ack(ref, sessionID string, payload interface{}) *Notice {
	n := NewNotice(NoticeAck, sessionID, payload)
	n.Ref = ref
	return n
}

// Failure reports a rejected event to its issuer only
func Failure(ref, sessionID, code, message string) *Notice {
	n := NewNotice(NoticeError, sessionID, ErrorPayload{Code: code, Message: message})
	n.Ref = ref
	return n
}

// ErrorPayload explains a rejected event
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinAck is the synchronous reply to join
type JoinAck struct {
	Participant types.Participant   `json:"participant"`
	Roster      []types.Participant `json:"roster"`
	Channels    []types.Channel     `json:"channels"`
	IsHost      bool                `json:"is_host"`
	CanModerate bool                `json:"can_moderate"`
}

// ParticipantNotice carries one roster entry and the resulting count
type ParticipantNotice struct {
	Participant      types.Participant `json:"participant"`
	ParticipantCount int               `json:"participant_count"`
}

// DepartureNotice announces that a participant is gone
type DepartureNotice struct {
	ParticipantID    string `json:"participant_id"`
	Reason           string `json:"reason"`
	ParticipantCount int    `json:"participant_count"`
}

// RoleChangeNotice announces a promotion
type RoleChangeNotice struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
	Speaker       bool   `json:"speaker"`
	By            string `json:"by"`
}

// ModerationNotice is delivered to the target of a privileged action
type ModerationNotice struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
	Role   string `json:"role,omitempty"`
}

// VoiceStateNotice announces a voice configuration change; State is nil
// when cleared
type VoiceStateNotice struct {
	ParticipantID string            `json:"participant_id"`
	State         *types.VoiceState `json:"state"`
}

// InviteNotice is a private voice-chat invitation
type InviteNotice struct {
	From        string `json:"from"`
	DisplayName string `json:"display_name"`
	Message     string `json:"message,omitempty"`
}

// ChatNotice is a chat line fanned out on the chat channel. Bodies are
// never kept in live state.
type ChatNotice struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// SubscriptionAck confirms channel membership changes
type SubscriptionAck struct {
	Channel    types.Channel `json:"channel"`
	Subscribed bool          `json:"subscribed"`
}
