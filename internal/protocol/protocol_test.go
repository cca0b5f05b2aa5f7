package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"sanctuary/pkg/types"
)

// TestDecode_Variants tests functional validation - every event type decodes
// into its own variant
func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		frame string
		check func(t *testing.T, ev Event)
	}{
		{`{"type":"join","ref":"r1","session_id":"s1","payload":{"display_name":"  River ","host_token":"tok","chat":true}}`, func(t *testing.T, ev Event) {
			j := ev.(Join)
			if j.DisplayName != "River" || j.HostToken != "tok" || !j.Chat {
				t.Errorf("Unexpected join: %+v", j)
			}
		}},
		{`{"type":"leave","session_id":"s1"}`, func(t *testing.T, ev Event) { _ = ev.(Leave) }},
		{`{"type":"subscribe","session_id":"s1","payload":{"channel":"chat"}}`, func(t *testing.T, ev Event) {
			if ev.(Subscribe).Channel != types.ChannelChat {
				t.Error("Expected chat channel")
			}
		}},
		{`{"type":"unsubscribe","session_id":"s1","payload":{"channel":"audio"}}`, func(t *testing.T, ev Event) { _ = ev.(Unsubscribe) }},
		{`{"type":"raise_hand","session_id":"s1","payload":{"raised":false}}`, func(t *testing.T, ev Event) {
			if ev.(RaiseHand).Raised {
				t.Error("Expected raised=false")
			}
		}},
		{`{"type":"toggle_mute","session_id":"s1"}`, func(t *testing.T, ev Event) { _ = ev.(ToggleMute) }},
		{`{"type":"speaking","session_id":"s1","payload":{"speaking":true}}`, func(t *testing.T, ev Event) { _ = ev.(Speaking) }},
		{`{"type":"heartbeat","session_id":"s1","payload":null}`, func(t *testing.T, ev Event) { _ = ev.(Heartbeat) }},
		{`{"type":"force_mute","session_id":"s1","payload":{"target":"p42"}}`, func(t *testing.T, ev Event) {
			if ev.(Targeted).TargetID() != "p42" {
				t.Error("Expected target p42")
			}
		}},
		{`{"type":"promote","session_id":"s1","payload":{"target":"p42","role":"moderator"}}`, func(t *testing.T, ev Event) {
			if ev.(Promote).Role != types.RoleModerator {
				t.Error("Expected moderator promotion")
			}
		}},
		{`{"type":"kick","session_id":"s1","payload":{"target":"p42","reason":"abuse"}}`, func(t *testing.T, ev Event) {
			if ev.(Kick).Reason != "abuse" {
				t.Error("Expected reason")
			}
		}},
		{`{"type":"emergency_alert","session_id":"s1","payload":{"type":"crisis","message":" help "}}`, func(t *testing.T, ev Event) {
			a := ev.(EmergencyAlert)
			if a.AlertType != "crisis" || a.Message != "help" {
				t.Errorf("Unexpected alert: %+v", a)
			}
		}},
		{`{"type":"resolve_alert","session_id":"s1","payload":{"alert_id":"a1"}}`, func(t *testing.T, ev Event) { _ = ev.(ResolveAlert) }},
		{`{"type":"chat_message","session_id":"s1","payload":{"text":"hi"}}`, func(t *testing.T, ev Event) { _ = ev.(ChatMessage) }},
		{`{"type":"set_voice","session_id":"s1","payload":{"profile_id":"warm","settings":{"pitch":0.5}}}`, func(t *testing.T, ev Event) {
			if ev.(SetVoice).Settings["pitch"] != 0.5 {
				t.Error("Expected settings")
			}
		}},
		{`{"type":"clear_voice","session_id":"s1"}`, func(t *testing.T, ev Event) { _ = ev.(ClearVoice) }},
		{`{"type":"voice_invite","session_id":"s1","payload":{"target":"p7","message":"join me"}}`, func(t *testing.T, ev Event) { _ = ev.(VoiceInvite) }},
	}

	seen := make(map[EventType]bool)
	for _, tt := range tests {
		env, ev, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Errorf("Decode(%s): unexpected error %v", tt.frame, err)
			continue
		}
		if ev.Session() != "s1" || env.SessionID != "s1" {
			t.Errorf("Expected session s1, got %q", ev.Session())
		}
		if ev.Type() != env.Type {
			t.Errorf("Variant type %s does not match envelope type %s", ev.Type(), env.Type)
		}
		seen[ev.Type()] = true
		tt.check(t, ev)
	}
	if len(seen) != len(requiredAuthority) {
		t.Errorf("Expected every event type covered, saw %d of %d", len(seen), len(requiredAuthority))
	}
}

// TestDecode_Rejects tests that malformed payloads fail before dispatch
func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		cause error
	}{
		{"not json", `{`, ErrMalformedFrame},
		{"missing type", `{"session_id":"s1"}`, ErrMissingField},
		{"unknown type", `{"type":"dance","session_id":"s1"}`, ErrUnknownEventType},
		{"bad session", `{"type":"leave","session_id":"bad id"}`, types.ErrInvalidSessionID},
		{"missing session", `{"type":"leave"}`, types.ErrInvalidSessionID},
		{"bad channel", `{"type":"subscribe","session_id":"s1","payload":{"channel":"lobby"}}`, types.ErrInvalidChannel},
		{"raise without flag", `{"type":"raise_hand","session_id":"s1","payload":{}}`, ErrMissingField},
		{"speaking without flag", `{"type":"speaking","session_id":"s1"}`, ErrMissingField},
		{"kick without target", `{"type":"kick","session_id":"s1","payload":{}}`, ErrMissingField},
		{"bad target", `{"type":"force_mute","session_id":"s1","payload":{"target":"a b"}}`, ErrInvalidTarget},
		{"promote to host", `{"type":"promote","session_id":"s1","payload":{"target":"p1","role":"host"}}`, ErrInvalidPromotion},
		{"bad alert type", `{"type":"emergency_alert","session_id":"s1","payload":{"type":""}}`, types.ErrInvalidAlertType},
		{"empty chat", `{"type":"chat_message","session_id":"s1","payload":{"text":"  "}}`, types.ErrEmptyMessage},
		{"long chat", `{"type":"chat_message","session_id":"s1","payload":{"text":"` + strings.Repeat("x", types.MaxChatMessage+1) + `"}}`, types.ErrMessageTooLong},
		{"resolve without id", `{"type":"resolve_alert","session_id":"s1","payload":{}}`, ErrMissingField},
		{"voice without profile", `{"type":"set_voice","session_id":"s1","payload":{}}`, ErrMissingField},
		{"payload wrong shape", `{"type":"chat_message","session_id":"s1","payload":[1,2]}`, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ev, err := Decode([]byte(tt.frame))
			if ev != nil {
				t.Errorf("Expected no event, got %+v", ev)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("Expected cause %v, got %v", tt.cause, err)
			}
		})
	}
}

// TestDecode_KeepsRefOnFailure tests that rejected frames can still be answered
func TestDecode_KeepsRefOnFailure(t *testing.T) {
	env, _, err := Decode([]byte(`{"type":"kick","ref":"abc","session_id":"s1","payload":{}}`))
	if err == nil {
		t.Fatal("Expected an error")
	}
	if env.Ref != "abc" {
		t.Errorf("Expected ref abc, got %q", env.Ref)
	}
}

// TestDecode_LongRefTrimmedOnRuneBoundary tests that ref truncation never
// splits a multi-byte character
func TestDecode_LongRefTrimmedOnRuneBoundary(t *testing.T) {
	ref := strings.Repeat("a", MaxRefLength-1) + "é" + "tail"
	env, _, _ := Decode([]byte(`{"type":"heartbeat","ref":"` + ref + `","session_id":"s1"}`))
	if !utf8.ValidString(env.Ref) {
		t.Errorf("Expected valid UTF-8 ref, got %q", env.Ref)
	}
	if env.Ref != strings.Repeat("a", MaxRefLength-1) {
		t.Errorf("Expected ref cut before the split rune, got %q", env.Ref)
	}

	short := strings.Repeat("b", MaxRefLength+10)
	if env, _, _ := Decode([]byte(`{"type":"heartbeat","ref":"` + short + `","session_id":"s1"}`)); len(env.Ref) != MaxRefLength {
		t.Errorf("Expected ASCII ref cut at %d bytes, got %d", MaxRefLength, len(env.Ref))
	}
}

// TestRequiredAuthority tests the issuer rules table
func TestRequiredAuthority(t *testing.T) {
	tests := map[EventType]Authority{
		TypeJoin:           AnyConnection,
		TypeEmergencyAlert: AnyConnection,
		TypeToggleMute:     Joined,
		TypeChatMessage:    Joined,
		TypeVoiceInvite:    Joined,
		TypeForceMute:      Moderator,
		TypePromote:        Moderator,
		TypeKick:           Moderator,
		TypeResolveAlert:   Moderator,
	}
	for typ, want := range tests {
		if got := RequiredAuthority(typ); got != want {
			t.Errorf("RequiredAuthority(%s) = %v, want %v", typ, got, want)
		}
	}
}

// TestNotice_Wire tests the outbound envelope shape
func TestNotice_Wire(t *testing.T) {
	n := Failure("r1", "s1", CodeUnauthorized, "not a host")
	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	var decoded map[string]interface{}
	_ = json.Unmarshal(data, &decoded)

	if decoded["type"] != "error" || decoded["ref"] != "r1" || decoded["session_id"] != "s1" {
		t.Errorf("Unexpected envelope: %s", data)
	}
	payload := decoded["payload"].(map[string]interface{})
	if payload["code"] != CodeUnauthorized {
		t.Errorf("Expected unauthorized code, got %v", payload["code"])
	}

	broadcast, _ := json.Marshal(NewNotice(NoticeParticipantLeft, "s1", DepartureNotice{ParticipantID: "p1", Reason: ReasonKicked}))
	if strings.Contains(string(broadcast), `"ref"`) {
		t.Errorf("Broadcasts carry no ref: %s", broadcast)
	}
}
