package types

import (
	"fmt"
	"strings"
)

// ChannelKind names a broadcast scope within a session
type ChannelKind string

const (
	ChannelPresence ChannelKind = "presence"
	ChannelAudio    ChannelKind = "audio"
	ChannelChat     ChannelKind = "chat"
	ChannelHost     ChannelKind = "host"
)

// Channel identifies one broadcast scope: a kind within one session.
// It is comparable and used directly as a map key by the registry.
type Channel struct {
	Kind      ChannelKind `json:"kind"`
	SessionID string      `json:"session_id"`
}

// ChannelFor builds the channel of the given kind for a session
func ChannelFor(kind ChannelKind, sessionID string) Channel {
	return Channel{Kind: kind, SessionID: sessionID}
}

// SessionChannels returns every channel kind of a session
func SessionChannels(sessionID string) []Channel {
	return []Channel{
		ChannelFor(ChannelPresence, sessionID),
		ChannelFor(ChannelAudio, sessionID),
		ChannelFor(ChannelChat, sessionID),
		ChannelFor(ChannelHost, sessionID),
	}
}

// Valid reports whether the kind is one of the known channel kinds
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPresence, ChannelAudio, ChannelChat, ChannelHost:
		return true
	default:
		return false
	}
}

// Privileged reports whether subscribing requires host or moderator authority
func (k ChannelKind) Privileged() bool {
	return k == ChannelHost
}

// String renders the channel as "kind:session" for logs and metrics labels
func (c Channel) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.SessionID)
}

// ParseChannel is the inverse of Channel.String
func ParseChannel(s string) (Channel, error) {
	kind, sessionID, ok := strings.Cut(s, ":")
	if !ok || sessionID == "" || !ChannelKind(kind).Valid() {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return Channel{Kind: ChannelKind(kind), SessionID: sessionID}, nil
}
