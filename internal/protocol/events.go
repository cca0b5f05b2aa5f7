package protocol

import (
	"sanctuary/pkg/types"
)

// EventType names an inbound event on the wire
type EventType string

// Inbound event types
const (
	TypeJoin           EventType = "join"
	TypeLeave          EventType = "leave"
	TypeSubscribe      EventType = "subscribe"
	TypeUnsubscribe    EventType = "unsubscribe"
	TypeRaiseHand      EventType = "raise_hand"
	TypeToggleMute     EventType = "toggle_mute"
	TypeSpeaking       EventType = "speaking"
	TypeHeartbeat      EventType = "heartbeat"
	TypeForceMute      EventType = "force_mute"
	TypePromote        EventType = "promote"
	TypeKick           EventType = "kick"
	TypeEmergencyAlert EventType = "emergency_alert"
	TypeResolveAlert   EventType = "resolve_alert"
	TypeChatMessage    EventType = "chat_message"
	TypeSetVoice       EventType = "set_voice"
	TypeClearVoice     EventType = "clear_voice"
	TypeVoiceInvite    EventType = "voice_invite"
)

// Event is the closed set of inbound protocol events. Only the variants in
// this file implement it.
type Event interface {
	Type() EventType
	Session() string
	isEvent()
}

// Targeted is implemented by events issued against another participant
type Targeted interface {
	Event
	TargetID() string
}

// sessionScoped carries the session every event is addressed to
type sessionScoped struct {
	SessionID string
}

func (s sessionScoped) Session() string { return s.SessionID }
func (sessionScoped) isEvent()          {}

// Join creates or replaces the issuer's roster entry
type Join struct {
	sessionScoped
	DisplayName string
	HostToken   string
	Chat        bool
}

// Leave removes the issuer from the session
type Leave struct{ sessionScoped }

// Subscribe adds a channel membership
type Subscribe struct {
	sessionScoped
	Channel types.ChannelKind
}

// Unsubscribe drops a channel membership
type Unsubscribe struct {
	sessionScoped
	Channel types.ChannelKind
}

// RaiseHand sets or lowers the issuer's hand
type RaiseHand struct {
	sessionScoped
	Raised bool
}

// ToggleMute flips the issuer's muted flag
type ToggleMute struct{ sessionScoped }

// Speaking reports voice activity for the issuer
type Speaking struct {
	sessionScoped
	Speaking bool
}

// Heartbeat keeps the issuer's roster entry fresh
type Heartbeat struct{ sessionScoped }

// ForceMute mutes another participant
type ForceMute struct {
	sessionScoped
	Target string
}

// Promote makes another participant a speaker, or a moderator when Role is
// set to moderator
type Promote struct {
	sessionScoped
	Target string
	Role   string
}

// Kick removes another participant
type Kick struct {
	sessionScoped
	Target string
	Reason string
}

// EmergencyAlert raises a safety escalation
type EmergencyAlert struct {
	sessionScoped
	AlertType string
	Message   string
}

// ResolveAlert closes a safety escalation
type ResolveAlert struct {
	sessionScoped
	AlertID string
}

// ChatMessage is a chat line from the issuer
type ChatMessage struct {
	sessionScoped
	Text string
}

// SetVoice activates a voice profile for the issuer
type SetVoice struct {
	sessionScoped
	ProfileID string
	Settings  map[string]float64
}

// ClearVoice disables the issuer's voice profile
type ClearVoice struct{ sessionScoped }

// VoiceInvite privately invites another participant to a voice chat
type VoiceInvite struct {
	sessionScoped
	Target  string
	Message string
}

func (Join) Type() EventType           { return TypeJoin }
func (Leave) Type() EventType          { return TypeLeave }
func (Subscribe) Type() EventType      { return TypeSubscribe }
func (Unsubscribe) Type() EventType    { return TypeUnsubscribe }
func (RaiseHand) Type() EventType      { return TypeRaiseHand }
func (ToggleMute) Type() EventType     { return TypeToggleMute }
func (Speaking) Type() EventType       { return TypeSpeaking }
func (Heartbeat) Type() EventType      { return TypeHeartbeat }
func (ForceMute) Type() EventType      { return TypeForceMute }
func (Promote) Type() EventType        { return TypePromote }
func (Kick) Type() EventType           { return TypeKick }
func (EmergencyAlert) Type() EventType { return TypeEmergencyAlert }
func (ResolveAlert) Type() EventType   { return TypeResolveAlert }
func (ChatMessage) Type() EventType    { return TypeChatMessage }
func (SetVoice) Type() EventType       { return TypeSetVoice }
func (ClearVoice) Type() EventType     { return TypeClearVoice }
func (VoiceInvite) Type() EventType    { return TypeVoiceInvite }

func (e ForceMute) TargetID() string   { return e.Target }
func (e Promote) TargetID() string     { return e.Target }
func (e Kick) TargetID() string        { return e.Target }
func (e VoiceInvite) TargetID() string { return e.Target }

// Authority is the standing an issuer needs for an event
type Authority int

const (
	// AnyConnection may issue the event before joining
	AnyConnection Authority = iota
	// Joined requires a roster entry in the session
	Joined
	// Moderator requires host or moderator authority
	Moderator
)

var requiredAuthority = map[EventType]Authority{
	TypeJoin:           AnyConnection,
	TypeEmergencyAlert: AnyConnection,
	TypeSubscribe:      AnyConnection,
	TypeUnsubscribe:    AnyConnection,
	TypeLeave:          Joined,
	TypeRaiseHand:      Joined,
	TypeToggleMute:     Joined,
	TypeSpeaking:       Joined,
	TypeHeartbeat:      Joined,
	TypeChatMessage:    Joined,
	TypeSetVoice:       Joined,
	TypeClearVoice:     Joined,
	TypeVoiceInvite:    Joined,
	TypeForceMute:      Moderator,
	TypePromote:        Moderator,
	TypeKick:           Moderator,
	TypeResolveAlert:   Moderator,
}

// RequiredAuthority reports what standing the issuer of t needs
func RequiredAuthority(t EventType) Authority {
	return requiredAuthority[t]
}
