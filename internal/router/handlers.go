package router

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"sanctuary/internal/protocol"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

const defaultDisplayName = "Guest"

func presenceOf(sessionID string) types.Channel {
	return types.ChannelFor(types.ChannelPresence, sessionID)
}

func audioOf(sessionID string) types.Channel {
	return types.ChannelFor(types.ChannelAudio, sessionID)
}

func chatOf(sessionID string) types.Channel {
	return types.ChannelFor(types.ChannelChat, sessionID)
}

func hostOf(sessionID string) types.Channel {
	return types.ChannelFor(types.ChannelHost, sessionID)
}

// ensureLive succeeds when the session has live state, bringing a session
// the directory still records as live back into the repository
func (d *Dispatcher) ensureLive(ctx context.Context, sessionID string) error {
	if session := d.repo.GetSession(ctx, sessionID); session != nil {
		if session.Status == types.SessionStatusEnded {
			return ErrSessionNotLive
		}
		return nil
	}
	if d.directory == nil {
		return ErrSessionNotLive
	}
	record, err := d.directory.GetSession(ctx, sessionID)
	if err != nil || record.Status != types.SessionStatusLive {
		return ErrSessionNotLive
	}
	status := types.SessionStatusLive
	if _, err := d.repo.UpsertSession(ctx, sessionID, types.SessionPatch{
		OwnerID: &record.OwnerID,
		Name:    &record.Name,
		Status:  &status,
	}); err != nil {
		return err
	}
	d.logger.Info("session state restored from directory", "session_id", sessionID)
	return nil
}

// checkHostTarget refuses privileged actions against a host unless the
// issuer is a host too
func (d *Dispatcher) checkHostTarget(ctx context.Context, conn interfaces.Connection, sessionID, targetID string, target *types.Participant) error {
	hostTarget := (target != nil && target.Role == types.RoleHost) ||
		d.authority.IsOwner(ctx, sessionID, types.Identity{UserID: targetID})
	if hostTarget && !d.authority.IsHost(ctx, sessionID, conn) {
		return ErrHostTarget
	}
	return nil
}

func (d *Dispatcher) broadcastUpdated(ctx context.Context, conn interfaces.Connection, sessionID string, p types.Participant, channels ...types.Channel) {
	notice := protocol.NewNotice(protocol.NoticeParticipantUpdated, sessionID, protocol.ParticipantNotice{
		Participant:      p,
		ParticipantCount: len(d.repo.GetRoster(ctx, sessionID)),
	})
	d.registry.Broadcast(notice, conn.ID(), channels...)
}

func (d *Dispatcher) handleJoin(ctx context.Context, conn interfaces.Connection, e protocol.Join) (interface{}, error) {
	sessionID := e.Session()
	identity := conn.Identity()

	if d.repo.IsKicked(ctx, sessionID, identity.UserID) {
		return nil, ErrKicked
	}
	if err := d.ensureLive(ctx, sessionID); err != nil {
		return nil, err
	}

	if e.HostToken != "" {
		if d.authority.TokenGrantValid(ctx, sessionID, e.HostToken) {
			conn.SetHostToken(sessionID, e.HostToken)
		} else {
			d.logger.Info("ignoring invalid host token", "session_id", sessionID, "user_id", identity.UserID)
		}
	}
	isHost := d.authority.IsHost(ctx, sessionID, conn)

	p := types.Participant{
		ID:              identity.UserID,
		DisplayName:     e.DisplayName,
		TransportHandle: conn.ID(),
		Anonymous:       identity.Anonymous,
		Role:            types.RoleParticipant,
		Status:          types.StatusConnected,
		Muted:           true,
	}
	if p.DisplayName == "" {
		p.DisplayName = identity.DisplayName
	}
	if p.DisplayName == "" {
		p.DisplayName = defaultDisplayName
	}
	// A rejoin keeps the standing granted during the earlier membership
	if prior := d.repo.GetParticipant(ctx, sessionID, identity.UserID); prior != nil {
		p.JoinedAt = prior.JoinedAt
		p.Speaker = prior.Speaker
		if prior.Role == types.RoleModerator {
			p.Role = types.RoleModerator
		}
	}
	if isHost {
		p.Role = types.RoleHost
		p.Speaker = true
	}

	roster, err := d.repo.AddParticipant(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	for _, entry := range roster {
		if entry.ID == p.ID {
			p = entry
		}
	}
	conn.MarkJoined(sessionID)

	channels := []types.Channel{presenceOf(sessionID), audioOf(sessionID)}
	if e.Chat {
		channels = append(channels, chatOf(sessionID))
	}
	canModerate := isHost || p.Role == types.RoleModerator
	if canModerate {
		channels = append(channels, hostOf(sessionID))
	}
	for _, ch := range channels {
		if _, err := d.registry.Subscribe(conn, ch); err != nil {
			d.logger.Warn("join subscription failed", "channel", ch.String(), "conn_id", conn.ID(), "error", err)
		}
	}

	d.recordAnalytics(ctx, sessionID, types.AnalyticsJoin, p.ID, map[string]interface{}{
		"anonymous": p.Anonymous,
		"role":      p.Role,
	})
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeParticipantJoined, sessionID, protocol.ParticipantNotice{
		Participant:      p,
		ParticipantCount: len(roster),
	}), conn.ID(), presenceOf(sessionID))

	d.logger.Debug("participant joined", "session_id", sessionID, "user_id", p.ID, "role", p.Role)
	return &protocol.JoinAck{
		Participant: p,
		Roster:      roster,
		Channels:    d.registry.ChannelsOf(conn),
		IsHost:      isHost,
		CanModerate: canModerate,
	}, nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, conn interfaces.Connection, e protocol.Leave) (interface{}, error) {
	return nil, d.depart(ctx, conn, e.Session(), protocol.ReasonLeft, false)
}

// Disconnected removes a closed connection from every session it joined.
// Entries that already belong to a newer connection are left alone.
func (d *Dispatcher) Disconnected(ctx context.Context, conn interfaces.Connection) {
	for _, sessionID := range conn.JoinedSessions() {
		if err := d.depart(ctx, conn, sessionID, protocol.ReasonDisconnected, true); err != nil {
			d.logger.Warn("disconnect cleanup failed", "session_id", sessionID, "user_id", conn.Identity().UserID, "error", err)
		}
	}
}

func (d *Dispatcher) depart(ctx context.Context, conn interfaces.Connection, sessionID, reason string, onlyIfHandle bool) error {
	userID := conn.Identity().UserID

	var (
		roster  []types.Participant
		removed = true
		err     error
	)
	if onlyIfHandle {
		roster, removed, err = d.repo.RemoveParticipantIfHandle(ctx, sessionID, userID, conn.ID())
	} else {
		roster, err = d.repo.RemoveParticipant(ctx, sessionID, userID)
	}
	if err != nil {
		return err
	}

	d.registry.RevokeSession(conn, sessionID)
	conn.MarkLeft(sessionID)
	conn.SetHostToken(sessionID, "")
	if !removed {
		return nil
	}

	if err := d.repo.ClearVoiceState(ctx, sessionID, userID); err != nil {
		d.logger.Debug("voice state not cleared", "session_id", sessionID, "user_id", userID, "error", err)
	}
	d.recordAnalytics(ctx, sessionID, types.AnalyticsLeave, userID, map[string]interface{}{"reason": reason})
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeParticipantLeft, sessionID, protocol.DepartureNotice{
		ParticipantID:    userID,
		Reason:           reason,
		ParticipantCount: len(roster),
	}), conn.ID(), presenceOf(sessionID))
	return nil
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, conn interfaces.Connection, e protocol.Subscribe) (interface{}, error) {
	sessionID := e.Session()
	if d.repo.IsKicked(ctx, sessionID, conn.Identity().UserID) {
		return nil, ErrKicked
	}
	if e.Channel.Privileged() && !d.authority.CanModerate(ctx, sessionID, conn) {
		return nil, ErrHostChannel
	}
	ch := types.ChannelFor(e.Channel, sessionID)
	if _, err := d.registry.Subscribe(conn, ch); err != nil {
		return nil, err
	}
	return &protocol.SubscriptionAck{Channel: ch, Subscribed: true}, nil
}

func (d *Dispatcher) handleUnsubscribe(conn interfaces.Connection, e protocol.Unsubscribe) (interface{}, error) {
	ch := types.ChannelFor(e.Channel, e.Session())
	d.registry.Unsubscribe(conn, ch)
	return &protocol.SubscriptionAck{Channel: ch, Subscribed: false}, nil
}

func (d *Dispatcher) handleRaiseHand(ctx context.Context, conn interfaces.Connection, e protocol.RaiseHand) (interface{}, error) {
	sessionID := e.Session()
	raised := e.Raised
	updated, err := d.repo.UpdateParticipantStatus(ctx, sessionID, conn.Identity().UserID, types.ParticipantPatch{HandRaised: &raised})
	if err != nil || updated == nil {
		return nil, err
	}
	d.broadcastUpdated(ctx, conn, sessionID, *updated, presenceOf(sessionID), hostOf(sessionID))
	return updated, nil
}

func (d *Dispatcher) handleToggleMute(ctx context.Context, conn interfaces.Connection, e protocol.ToggleMute) (interface{}, error) {
	sessionID := e.Session()
	updated, err := d.repo.ToggleMute(ctx, sessionID, conn.Identity().UserID)
	if err != nil || updated == nil {
		return nil, err
	}
	d.broadcastUpdated(ctx, conn, sessionID, *updated, presenceOf(sessionID), audioOf(sessionID))
	return updated, nil
}

func (d *Dispatcher) handleSpeaking(ctx context.Context, conn interfaces.Connection, e protocol.Speaking) (interface{}, error) {
	sessionID := e.Session()
	updated, err := d.repo.SetSpeaking(ctx, sessionID, conn.Identity().UserID, e.Speaking)
	if err != nil || updated == nil {
		return nil, err
	}
	d.broadcastUpdated(ctx, conn, sessionID, *updated, audioOf(sessionID))
	return updated, nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, conn interfaces.Connection, e protocol.Heartbeat) (interface{}, error) {
	status := types.StatusConnected
	_, err := d.repo.UpdateParticipantStatus(ctx, e.Session(), conn.Identity().UserID, types.ParticipantPatch{Status: &status})
	return nil, err
}

func (d *Dispatcher) handleForceMute(ctx context.Context, conn interfaces.Connection, e protocol.ForceMute) (interface{}, error) {
	sessionID := e.Session()
	target := d.repo.GetParticipant(ctx, sessionID, e.Target)
	if target == nil {
		return nil, nil
	}
	if err := d.checkHostTarget(ctx, conn, sessionID, e.Target, target); err != nil {
		return nil, err
	}

	muted, speaking := true, false
	updated, err := d.repo.UpdateParticipantStatus(ctx, sessionID, e.Target, types.ParticipantPatch{Muted: &muted, Speaking: &speaking})
	if err != nil || updated == nil {
		return nil, err
	}

	by := conn.Identity().UserID
	d.registry.SendTo(e.Target, protocol.NewNotice(protocol.NoticeForceMuted, sessionID, protocol.ModerationNotice{By: by}))
	d.broadcastUpdated(ctx, conn, sessionID, *updated, presenceOf(sessionID), audioOf(sessionID))
	d.logger.Info("participant force-muted", "session_id", sessionID, "target", e.Target, "by", by)
	return updated, nil
}

func (d *Dispatcher) handlePromote(ctx context.Context, conn interfaces.Connection, e protocol.Promote) (interface{}, error) {
	sessionID := e.Session()
	if e.Role == types.RoleModerator && !d.authority.IsHost(ctx, sessionID, conn) {
		return nil, ErrHostOnly
	}
	target := d.repo.GetParticipant(ctx, sessionID, e.Target)
	if target == nil {
		return nil, nil
	}
	if err := d.checkHostTarget(ctx, conn, sessionID, e.Target, target); err != nil {
		return nil, err
	}

	speaker := true
	patch := types.ParticipantPatch{Speaker: &speaker}
	if e.Role == types.RoleModerator && target.Role != types.RoleHost {
		role := types.RoleModerator
		patch.Role = &role
	}
	updated, err := d.repo.UpdateParticipantStatus(ctx, sessionID, e.Target, patch)
	if err != nil || updated == nil {
		return nil, err
	}

	by := conn.Identity().UserID
	d.registry.SendTo(e.Target, protocol.NewNotice(protocol.NoticePromoted, sessionID, protocol.ModerationNotice{By: by, Role: updated.Role}))
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeRoleChanged, sessionID, protocol.RoleChangeNotice{
		ParticipantID: updated.ID,
		Role:          updated.Role,
		Speaker:       updated.Speaker,
		By:            by,
	}), conn.ID(), presenceOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsRoleChanged, updated.ID, map[string]interface{}{
		"role": updated.Role,
		"by":   by,
	})
	return updated, nil
}

func (d *Dispatcher) handleKick(ctx context.Context, conn interfaces.Connection, e protocol.Kick) (interface{}, error) {
	sessionID := e.Session()
	target := d.repo.GetParticipant(ctx, sessionID, e.Target)
	if err := d.checkHostTarget(ctx, conn, sessionID, e.Target, target); err != nil {
		return nil, err
	}

	if err := d.repo.MarkKicked(ctx, sessionID, e.Target); err != nil {
		return nil, err
	}
	roster, err := d.repo.RemoveParticipant(ctx, sessionID, e.Target)
	if err != nil {
		return nil, err
	}
	removed := target != nil

	by := conn.Identity().UserID
	d.registry.SendTo(e.Target, protocol.NewNotice(protocol.NoticeRemoved, sessionID, protocol.ModerationNotice{By: by, Reason: e.Reason}))
	if targetConn, ok := d.registry.Lookup(e.Target); ok {
		d.registry.RevokeSession(targetConn, sessionID)
		targetConn.MarkLeft(sessionID)
		targetConn.SetHostToken(sessionID, "")
	}
	if err := d.repo.ClearVoiceState(ctx, sessionID, e.Target); err != nil {
		d.logger.Debug("voice state not cleared", "session_id", sessionID, "user_id", e.Target, "error", err)
	}

	departure := &protocol.DepartureNotice{
		ParticipantID:    e.Target,
		Reason:           protocol.ReasonKicked,
		ParticipantCount: len(roster),
	}
	if removed {
		d.registry.Broadcast(protocol.NewNotice(protocol.NoticeParticipantLeft, sessionID, departure), conn.ID(), presenceOf(sessionID))
	}
	d.recordAnalytics(ctx, sessionID, types.AnalyticsKick, e.Target, map[string]interface{}{
		"by":     by,
		"reason": e.Reason,
	})
	d.logger.Info("participant kicked", "session_id", sessionID, "target", e.Target, "by", by, "removed", removed)
	return departure, nil
}

func (d *Dispatcher) handleEmergencyAlert(ctx context.Context, conn interfaces.Connection, e protocol.EmergencyAlert) (interface{}, error) {
	sessionID := e.Session()
	if err := d.ensureLive(ctx, sessionID); err != nil {
		return nil, err
	}
	alert, err := d.repo.AppendEmergencyAlert(ctx, sessionID, types.EmergencyAlert{
		Type:       e.AlertType,
		Message:    e.Message,
		ReporterID: conn.Identity().UserID,
	})
	if err != nil {
		return nil, err
	}

	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeEmergencyAlert, sessionID, alert),
		conn.ID(), presenceOf(sessionID), audioOf(sessionID), hostOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsAlertRaised, alert.ReporterID, map[string]interface{}{
		"alert_id": alert.ID,
		"severity": alert.Severity,
	})
	d.logger.Warn("emergency alert raised", "session_id", sessionID, "alert_id", alert.ID, "severity", alert.Severity)
	return alert, nil
}

func (d *Dispatcher) handleResolveAlert(ctx context.Context, conn interfaces.Connection, e protocol.ResolveAlert) (interface{}, error) {
	sessionID := e.Session()
	resolved, err := d.repo.ResolveEmergencyAlert(ctx, sessionID, e.AlertID, conn.Identity().UserID)
	if err != nil || resolved == nil {
		return nil, err
	}
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeAlertResolved, sessionID, resolved), conn.ID(), hostOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsAlertClosed, resolved.ResolvedBy, map[string]interface{}{"alert_id": resolved.ID})
	return resolved, nil
}

func (d *Dispatcher) handleChat(ctx context.Context, conn interfaces.Connection, self *types.Participant, e protocol.ChatMessage) (interface{}, error) {
	sessionID := e.Session()
	msg := &types.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FromUser:  self.ID,
		Text:      e.Text,
		Timestamp: time.Now(),
	}
	if d.messages != nil {
		if err := d.messages.StoreMessage(ctx, msg); err != nil {
			d.logger.Warn("chat message not persisted", "session_id", sessionID, "message_id", msg.ID, "error", err)
		}
	}

	notice := &protocol.ChatNotice{
		ID:          msg.ID,
		From:        self.ID,
		DisplayName: self.DisplayName,
		Text:        msg.Text,
		SentAt:      msg.Timestamp,
	}
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeChatMessage, sessionID, notice), conn.ID(), chatOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsMessageSent, self.ID, map[string]interface{}{
		"length": utf8.RuneCountInString(msg.Text),
	})
	return notice, nil
}

func (d *Dispatcher) handleSetVoice(ctx context.Context, conn interfaces.Connection, e protocol.SetVoice) (interface{}, error) {
	sessionID := e.Session()
	userID := conn.Identity().UserID
	vs, err := d.repo.SetVoiceState(ctx, sessionID, userID, types.VoiceState{
		ProfileID: e.ProfileID,
		Settings:  e.Settings,
		Active:    true,
	})
	if err != nil {
		return nil, err
	}
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeVoiceState, sessionID, protocol.VoiceStateNotice{
		ParticipantID: userID,
		State:         vs,
	}), conn.ID(), audioOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsVoiceChanged, userID, map[string]interface{}{
		"profile_id": vs.ProfileID,
		"active":     true,
	})
	return vs, nil
}

func (d *Dispatcher) handleClearVoice(ctx context.Context, conn interfaces.Connection, e protocol.ClearVoice) (interface{}, error) {
	sessionID := e.Session()
	userID := conn.Identity().UserID
	if err := d.repo.ClearVoiceState(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	d.registry.Broadcast(protocol.NewNotice(protocol.NoticeVoiceState, sessionID, protocol.VoiceStateNotice{
		ParticipantID: userID,
	}), conn.ID(), audioOf(sessionID))
	d.recordAnalytics(ctx, sessionID, types.AnalyticsVoiceChanged, userID, map[string]interface{}{"active": false})
	return nil, nil
}

func (d *Dispatcher) handleVoiceInvite(ctx context.Context, conn interfaces.Connection, self *types.Participant, e protocol.VoiceInvite) (interface{}, error) {
	sessionID := e.Session()
	if d.repo.GetParticipant(ctx, sessionID, e.Target) == nil {
		return nil, nil
	}
	d.registry.SendTo(e.Target, protocol.NewNotice(protocol.NoticeVoiceInvite, sessionID, protocol.InviteNotice{
		From:        self.ID,
		DisplayName: self.DisplayName,
		Message:     e.Message,
	}))
	return nil, nil
}
