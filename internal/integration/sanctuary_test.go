package integration

import (
	"net/http"
	"strings"
	"testing"

	"sanctuary/internal/protocol"
)

// TestSanctuary_HostModerationFlow tests a hosted session end to end: host
// join by token, a member joining, the member being kicked and refused on
// rejoin, and the session ending for everyone still connected.
func TestSanctuary_HostModerationFlow(t *testing.T) {
	srv := startServer(t)
	created := srv.createSession(t, "Evening circle")
	sessionID := created.Session.ID

	host := srv.dial(t, "host-1")
	host.send("join", "j1", sessionID, map[string]interface{}{"display_name": "Host", "host_token": created.HostToken})
	ack := host.expectRef("j1")
	if ack.Type != "ack" {
		t.Fatalf("Expected join ack, got %s %s", ack.Type, ack.Payload)
	}
	var hostJoin protocol.JoinAck
	decode(t, ack.Payload, &hostJoin)
	if !hostJoin.IsHost || hostJoin.Participant.Role != "host" {
		t.Errorf("Expected host standing, got %+v", hostJoin)
	}

	alice := srv.dial(t, "alice")
	alice.send("join", "j2", sessionID, map[string]interface{}{"display_name": "Alice", "host_token": "forged"})
	var aliceJoin protocol.JoinAck
	decode(t, alice.expectRef("j2").Payload, &aliceJoin)
	if aliceJoin.IsHost || aliceJoin.Participant.Role != "participant" {
		t.Errorf("Expected forged host token to be ignored, got %+v", aliceJoin)
	}
	if len(aliceJoin.Roster) != 2 {
		t.Errorf("Expected roster of 2, got %d", len(aliceJoin.Roster))
	}

	joined := host.expect("participant_joined")
	if !strings.Contains(string(joined.Payload), `"alice"`) {
		t.Errorf("Expected alice in participant_joined, got %s", joined.Payload)
	}

	// members cannot moderate
	alice.send("kick", "k0", sessionID, map[string]interface{}{"target": "host-1"})
	denied := alice.expectRef("k0")
	if denied.Type != "error" || !strings.Contains(string(denied.Payload), protocol.CodeUnauthorized) {
		t.Errorf("Expected unauthorized error, got %s %s", denied.Type, denied.Payload)
	}

	host.send("kick", "k1", sessionID, map[string]interface{}{"target": "alice", "reason": "disruptive"})
	if reply := host.expectRef("k1"); reply.Type != "ack" {
		t.Errorf("Expected kick ack, got %s %s", reply.Type, reply.Payload)
	}
	removed := alice.expect("removed")
	if !strings.Contains(string(removed.Payload), "disruptive") {
		t.Errorf("Expected kick reason delivered, got %s", removed.Payload)
	}

	alice.send("join", "j3", sessionID, nil)
	if rejoin := alice.expectRef("j3"); rejoin.Type != "error" || !strings.Contains(string(rejoin.Payload), protocol.CodeUnauthorized) {
		t.Errorf("Expected kicked identity refused, got %s %s", rejoin.Type, rejoin.Payload)
	}

	overview := srv.overview(t, sessionID)
	if len(overview.Participants) != 1 || overview.Participants[0].ID != "host-1" {
		t.Errorf("Expected only the host on the roster, got %+v", overview.Participants)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.base+"/api/sessions/"+sessionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to end session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 ending session, got %d", resp.StatusCode)
	}

	ended := host.expect("session_ended")
	if ended.SessionID != sessionID {
		t.Errorf("Expected session_ended for %s, got %s", sessionID, ended.SessionID)
	}
	if srv.overview(t, sessionID).Session != nil {
		t.Error("Expected live state removed after the session ended")
	}
}

// TestSanctuary_AnonymousDisconnect tests that an anonymous participant who
// drops off is removed and announced to the room
func TestSanctuary_AnonymousDisconnect(t *testing.T) {
	srv := startServer(t)
	created := srv.createSession(t, "Open room")
	sessionID := created.Session.ID

	host := srv.dial(t, "host-1")
	host.send("join", "j1", sessionID, map[string]interface{}{"host_token": created.HostToken})
	host.expectRef("j1")

	guest := srv.dial(t, "")
	guest.send("join", "g1", sessionID, map[string]interface{}{"display_name": "Quiet owl"})
	var guestJoin protocol.JoinAck
	decode(t, guest.expectRef("g1").Payload, &guestJoin)
	if !guestJoin.Participant.Anonymous || !strings.HasPrefix(guestJoin.Participant.ID, "anon-") {
		t.Errorf("Expected anonymous identity, got %+v", guestJoin.Participant)
	}
	host.expect("participant_joined")

	// alerts reach the host channel
	guest.send("emergency_alert", "a1", sessionID, map[string]interface{}{"type": "self_harm", "message": "please help"})
	guest.expectRef("a1")
	alert := host.expect("emergency_alert")
	if !strings.Contains(string(alert.Payload), "critical") {
		t.Errorf("Expected critical severity, got %s", alert.Payload)
	}

	_ = guest.conn.Close()

	left := host.expect("participant_left")
	var departure protocol.DepartureNotice
	decode(t, left.Payload, &departure)
	if departure.ParticipantID != guestJoin.Participant.ID || departure.Reason != protocol.ReasonDisconnected {
		t.Errorf("Expected disconnect of %s, got %+v", guestJoin.Participant.ID, departure)
	}

	overview := srv.overview(t, sessionID)
	if len(overview.Participants) != 1 {
		t.Errorf("Expected guest removed from roster, got %d participants", len(overview.Participants))
	}
	if len(overview.ActiveAlerts) != 1 {
		t.Errorf("Expected the alert to stay active, got %d", len(overview.ActiveAlerts))
	}
}
