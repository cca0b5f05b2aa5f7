package state

// Key layout. Every per-session key family has its own prefix so a session
// can be swept by prefix; multi-part families end the prefix with ':' so
// "voice:s1:" never matches session "s10".

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func participantsKey(sessionID string) string {
	return "participants:" + sessionID
}

func voicePrefix(sessionID string) string {
	return "voice:" + sessionID + ":"
}

func voiceKey(sessionID, participantID string) string {
	return voicePrefix(sessionID) + participantID
}

func alertsKey(sessionID string) string {
	return "alerts:" + sessionID
}

func analyticsKey(sessionID string) string {
	return "analytics:" + sessionID
}

func kickedPrefix(sessionID string) string {
	return "kicked:" + sessionID + ":"
}

func kickedKey(sessionID, participantID string) string {
	return kickedPrefix(sessionID) + participantID
}

func hostGrantPrefix(sessionID string) string {
	return "hostgrant:" + sessionID + ":"
}

func hostGrantKey(sessionID, tokenHash string) string {
	return hostGrantPrefix(sessionID) + tokenHash
}

const liveSessionPrefix = "session:"
