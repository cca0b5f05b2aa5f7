package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Compiled once; validation runs on every inbound event
var (
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxIdentifierLength  = 64
	MaxDisplayNameLength = 64
	MaxSessionNameLength = 200
	MaxAlertTypeLength   = 32
	MaxAlertMessage      = 2000
	MaxChatMessage       = 4000
)

// IsValidSessionID checks the session ID format
func IsValidSessionID(sessionID string) bool {
	return isIdentifier(sessionID, MaxIdentifierLength)
}

// IsValidUserID checks a participant/user ID format.
// Anonymous IDs ("anon-<uuid>") satisfy the same rule.
func IsValidUserID(userID string) bool {
	return isIdentifier(userID, MaxIdentifierLength)
}

// IsValidRole checks that role is one of the roster roles
func IsValidRole(role string) bool {
	switch role {
	case RoleHost, RoleModerator, RoleParticipant:
		return true
	default:
		return false
	}
}

// IsValidAlertType checks the free-form alert type token
func IsValidAlertType(alertType string) bool {
	return isIdentifier(alertType, MaxAlertTypeLength)
}

// IsValidAnalyticsKind checks an ingested analytics event kind
func IsValidAnalyticsKind(kind string) bool {
	return isIdentifier(kind, MaxIdentifierLength)
}

// ValidateDisplayName trims and bounds a display name
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

// ValidateSessionName checks a human readable session name
func ValidateSessionName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < 1 || n > MaxSessionNameLength {
		return ErrInvalidSessionName
	}
	return nil
}

// ValidateChatText checks chat message bounds
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxChatMessage {
		return ErrMessageTooLong
	}
	return nil
}

// SeverityForAlertType derives an alert's severity from its type
func SeverityForAlertType(alertType string) string {
	switch strings.ToLower(alertType) {
	case "crisis", "self_harm":
		return SeverityCritical
	case "harassment", "medical":
		return SeverityHigh
	case "technical":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func isIdentifier(s string, max int) bool {
	if len(s) < 1 || len(s) > max {
		return false
	}
	return identifierRegex.MatchString(s)
}
