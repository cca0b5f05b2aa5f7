package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"sanctuary/pkg/types"
)

// Payload bounds beyond those in pkg/types
const (
	MaxHostTokenLength = 256
	MaxReasonLength    = 500
	MaxInviteLength    = 500
	MaxVoiceSettings   = 32
	MaxRefLength       = 64
	MaxAlertIDLength   = 64
	MaxProfileIDLength = 64
)

// Envelope is the wire shape of every inbound frame
type Envelope struct {
	Type      EventType       `json:"type"`
	Ref       string          `json:"ref,omitempty"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	DisplayName string `json:"display_name"`
	HostToken   string `json:"host_token"`
	Chat        bool   `json:"chat"`
}

type channelPayload struct {
	Channel types.ChannelKind `json:"channel"`
}

type raiseHandPayload struct {
	Raised *bool `json:"raised"`
}

type speakingPayload struct {
	Speaking *bool `json:"speaking"`
}

type targetPayload struct {
	Target  string `json:"target"`
	Role    string `json:"role"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type alertPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type resolvePayload struct {
	AlertID string `json:"alert_id"`
}

type chatPayload struct {
	Text string `json:"text"`
}

type voicePayload struct {
	ProfileID string             `json:"profile_id"`
	Settings  map[string]float64 `json:"settings"`
}

// Decode parses and validates one inbound frame. The envelope is returned
// whenever it could be parsed, so a failure can still be answered with the
// client's ref.
func Decode(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, invalid(ErrMalformedFrame, err.Error())
	}
	if len(env.Ref) > MaxRefLength {
		n := MaxRefLength
		for n > 0 && !utf8.RuneStart(env.Ref[n]) {
			n--
		}
		env.Ref = env.Ref[:n]
	}
	if env.Type == "" {
		return env, nil, invalid(ErrMissingField, "type")
	}
	if _, known := requiredAuthority[env.Type]; !known {
		return env, nil, invalid(ErrUnknownEventType, string(env.Type))
	}
	if !types.IsValidSessionID(env.SessionID) {
		return env, nil, fmt.Errorf("%w: %w", ErrValidation, types.ErrInvalidSessionID)
	}

	ev, err := decodeEvent(env)
	if err != nil {
		return env, nil, err
	}
	return env, ev, nil
}

func decodeEvent(env Envelope) (Event, error) {
	scope := sessionScoped{SessionID: env.SessionID}

	switch env.Type {
	case TypeJoin:
		var p joinPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		name, err := types.ValidateDisplayName(p.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if len(p.HostToken) > MaxHostTokenLength {
			return nil, invalid(ErrFieldTooLong, "host_token")
		}
		return Join{sessionScoped: scope, DisplayName: name, HostToken: p.HostToken, Chat: p.Chat}, nil

	case TypeLeave:
		return Leave{scope}, nil

	case TypeSubscribe, TypeUnsubscribe:
		var p channelPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !p.Channel.Valid() {
			return nil, fmt.Errorf("%w: %w: %q", ErrValidation, types.ErrInvalidChannel, p.Channel)
		}
		if env.Type == TypeSubscribe {
			return Subscribe{sessionScoped: scope, Channel: p.Channel}, nil
		}
		return Unsubscribe{sessionScoped: scope, Channel: p.Channel}, nil

	case TypeRaiseHand:
		var p raiseHandPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Raised == nil {
			return nil, invalid(ErrMissingField, "raised")
		}
		return RaiseHand{sessionScoped: scope, Raised: *p.Raised}, nil

	case TypeToggleMute:
		return ToggleMute{scope}, nil

	case TypeSpeaking:
		var p speakingPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Speaking == nil {
			return nil, invalid(ErrMissingField, "speaking")
		}
		return Speaking{sessionScoped: scope, Speaking: *p.Speaking}, nil

	case TypeHeartbeat:
		return Heartbeat{scope}, nil

	case TypeForceMute, TypePromote, TypeKick, TypeVoiceInvite:
		return decodeTargeted(env, scope)

	case TypeEmergencyAlert:
		var p alertPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !types.IsValidAlertType(p.Type) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, types.ErrInvalidAlertType)
		}
		if utf8.RuneCountInString(p.Message) > types.MaxAlertMessage {
			return nil, fmt.Errorf("%w: %w", ErrValidation, types.ErrAlertTooLong)
		}
		return EmergencyAlert{sessionScoped: scope, AlertType: p.Type, Message: strings.TrimSpace(p.Message)}, nil

	case TypeResolveAlert:
		var p resolvePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.AlertID == "" {
			return nil, invalid(ErrMissingField, "alert_id")
		}
		if len(p.AlertID) > MaxAlertIDLength {
			return nil, invalid(ErrFieldTooLong, "alert_id")
		}
		return ResolveAlert{sessionScoped: scope, AlertID: p.AlertID}, nil

	case TypeChatMessage:
		var p chatPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if err := types.ValidateChatText(p.Text); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return ChatMessage{sessionScoped: scope, Text: p.Text}, nil

	case TypeSetVoice:
		var p voicePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ProfileID == "" {
			return nil, invalid(ErrMissingField, "profile_id")
		}
		if len(p.ProfileID) > MaxProfileIDLength {
			return nil, invalid(ErrFieldTooLong, "profile_id")
		}
		if len(p.Settings) > MaxVoiceSettings {
			return nil, invalid(ErrTooManySettings, fmt.Sprintf("%d", len(p.Settings)))
		}
		return SetVoice{sessionScoped: scope, ProfileID: p.ProfileID, Settings: p.Settings}, nil

	case TypeClearVoice:
		return ClearVoice{scope}, nil
	}

	return nil, invalid(ErrUnknownEventType, string(env.Type))
}

func decodeTargeted(env Envelope, scope sessionScoped) (Event, error) {
	var p targetPayload
	if err := unmarshalPayload(env.Payload, &p); err != nil {
		return nil, err
	}
	if p.Target == "" {
		return nil, invalid(ErrMissingField, "target")
	}
	if !types.IsValidUserID(p.Target) {
		return nil, invalid(ErrInvalidTarget, p.Target)
	}

	switch env.Type {
	case TypeForceMute:
		return ForceMute{sessionScoped: scope, Target: p.Target}, nil
	case TypePromote:
		if p.Role != "" && p.Role != types.RoleModerator {
			return nil, invalid(ErrInvalidPromotion, p.Role)
		}
		return Promote{sessionScoped: scope, Target: p.Target, Role: p.Role}, nil
	case TypeKick:
		if utf8.RuneCountInString(p.Reason) > MaxReasonLength {
			return nil, invalid(ErrFieldTooLong, "reason")
		}
		return Kick{sessionScoped: scope, Target: p.Target, Reason: p.Reason}, nil
	default:
		if utf8.RuneCountInString(p.Message) > MaxInviteLength {
			return nil, invalid(ErrFieldTooLong, "message")
		}
		return VoiceInvite{sessionScoped: scope, Target: p.Target, Message: p.Message}, nil
	}
}

// unmarshalPayload treats an absent payload as an empty object
func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return invalid(ErrMalformedFrame, "payload: "+err.Error())
	}
	return nil
}

func invalid(cause error, detail string) error {
	return fmt.Errorf("%w: %w: %s", ErrValidation, cause, detail)
}
