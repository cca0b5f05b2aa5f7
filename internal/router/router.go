package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sanctuary/internal/auth"
	"sanctuary/internal/protocol"
	"sanctuary/internal/state"
	"sanctuary/internal/websocket"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Event outcomes for metrics
const (
	outcomeOK          = "ok"
	outcomeInvalid     = "invalid"
	outcomeUnknownType = "unknown"
)

// Dispatcher turns inbound frames into repository mutations and fan-out.
// Each event is authorized, applied to the repository, and only then
// broadcast, so subscribers never see a change the store has not taken.
type Dispatcher struct {
	repo      *state.Repository
	registry  *websocket.Registry
	authority *auth.HostAuthority
	directory interfaces.SessionDirectory
	messages  interfaces.MessageStore
	limiter   *RateLimiter
	metrics   *Metrics
	logger    *slog.Logger
}

var _ interfaces.EventDispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDirectory lets join bring sessions recorded live in the directory
// back into the repository
func WithDirectory(directory interfaces.SessionDirectory) Option {
	return func(d *Dispatcher) { d.directory = directory }
}

// WithMessageStore hands chat bodies to a persistence collaborator
func WithMessageStore(messages interfaces.MessageStore) Option {
	return func(d *Dispatcher) { d.messages = messages }
}

// WithRateLimiter replaces the default 100 events/minute limiter
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(d *Dispatcher) {
		if limiter != nil {
			d.limiter = limiter
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates the event dispatcher
func NewDispatcher(repo *state.Repository, registry *websocket.Registry, authority *auth.HostAuthority, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		registry:  registry,
		authority: authority,
		limiter:   NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "router")
	return d
}

// RateLimiter exposes the limiter so maintenance can evict idle keys
func (d *Dispatcher) RateLimiter() *RateLimiter {
	return d.limiter
}

// HandleFrame processes one inbound frame. Rejections are reported to the
// issuing connection only; nothing is applied or broadcast.
func (d *Dispatcher) HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte) {
	started := time.Now()
	env, ev, err := protocol.Decode(data)

	if !exemptFromLimit(ev, err) && !d.limiter.Allow(conn.Identity().UserID) {
		d.fail(conn, env, protocol.CodeRateLimited, ErrRateLimitExceeded.Error())
		d.metrics.observe(metricType(ev), protocol.CodeRateLimited, started)
		return
	}
	if err != nil {
		d.fail(conn, env, protocol.CodeValidation, err.Error())
		d.metrics.observe(outcomeInvalid, protocol.CodeValidation, started)
		return
	}

	self, err := d.authorize(ctx, conn, ev)
	if err == nil {
		var reply interface{}
		reply, err = d.apply(ctx, conn, self, ev)
		if err == nil {
			if reply != nil || env.Ref != "" {
				d.send(conn, protocol.Ack(env.Ref, ev.Session(), reply))
			}
			d.metrics.observe(string(ev.Type()), outcomeOK, started)
			return
		}
	}

	code, message := d.classify(ev, conn, err)
	d.fail(conn, env, code, message)
	d.metrics.observe(string(ev.Type()), code, started)
}

// exemptFromLimit lets a well-formed emergency alert through even when the
// issuer has spent its budget. Unparsable frames are always charged.
func exemptFromLimit(ev protocol.Event, err error) bool {
	return err == nil && ev.Type() == protocol.TypeEmergencyAlert
}

// authorize checks the issuer's standing for ev and returns the issuer's
// roster entry when the event needs one
func (d *Dispatcher) authorize(ctx context.Context, conn interfaces.Connection, ev protocol.Event) (*types.Participant, error) {
	sessionID := ev.Session()
	switch protocol.RequiredAuthority(ev.Type()) {
	case protocol.Joined:
		self := d.repo.GetParticipant(ctx, sessionID, conn.Identity().UserID)
		if self == nil {
			return nil, ErrNotJoined
		}
		return self, nil
	case protocol.Moderator:
		if !d.authority.CanModerate(ctx, sessionID, conn) {
			return nil, ErrNotModerator
		}
		return d.repo.GetParticipant(ctx, sessionID, conn.Identity().UserID), nil
	default:
		return nil, nil
	}
}

// apply runs the handler of one event variant
func (d *Dispatcher) apply(ctx context.Context, conn interfaces.Connection, self *types.Participant, ev protocol.Event) (interface{}, error) {
	switch e := ev.(type) {
	case protocol.Join:
		return d.handleJoin(ctx, conn, e)
	case protocol.Leave:
		return d.handleLeave(ctx, conn, e)
	case protocol.Subscribe:
		return d.handleSubscribe(ctx, conn, e)
	case protocol.Unsubscribe:
		return d.handleUnsubscribe(conn, e)
	case protocol.RaiseHand:
		return d.handleRaiseHand(ctx, conn, e)
	case protocol.ToggleMute:
		return d.handleToggleMute(ctx, conn, e)
	case protocol.Speaking:
		return d.handleSpeaking(ctx, conn, e)
	case protocol.Heartbeat:
		return d.handleHeartbeat(ctx, conn, e)
	case protocol.ForceMute:
		return d.handleForceMute(ctx, conn, e)
	case protocol.Promote:
		return d.handlePromote(ctx, conn, e)
	case protocol.Kick:
		return d.handleKick(ctx, conn, e)
	case protocol.EmergencyAlert:
		return d.handleEmergencyAlert(ctx, conn, e)
	case protocol.ResolveAlert:
		return d.handleResolveAlert(ctx, conn, e)
	case protocol.ChatMessage:
		return d.handleChat(ctx, conn, self, e)
	case protocol.SetVoice:
		return d.handleSetVoice(ctx, conn, e)
	case protocol.ClearVoice:
		return d.handleClearVoice(ctx, conn, e)
	case protocol.VoiceInvite:
		return d.handleVoiceInvite(ctx, conn, self, e)
	}
	return nil, fmt.Errorf("%w: %w: %s", protocol.ErrValidation, protocol.ErrUnknownEventType, ev.Type())
}

// classify maps a handler error to the code reported to the issuer.
// Infrastructure failures are logged here and reported without detail.
func (d *Dispatcher) classify(ev protocol.Event, conn interfaces.Connection, err error) (string, string) {
	switch {
	case errors.Is(err, protocol.ErrValidation), errors.Is(err, state.ErrParticipantMuted):
		return protocol.CodeValidation, err.Error()
	case errors.Is(err, interfaces.ErrUnauthorized):
		return protocol.CodeUnauthorized, err.Error()
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return protocol.CodeNotFound, err.Error()
	}
	d.logger.Error("event failed",
		"type", ev.Type(),
		"session_id", ev.Session(),
		"user_id", conn.Identity().UserID,
		"error", err)
	return protocol.CodeUnavailable, "temporarily unavailable, retry later"
}

func (d *Dispatcher) fail(conn interfaces.Connection, env protocol.Envelope, code, message string) {
	d.send(conn, protocol.Failure(env.Ref, env.SessionID, code, message))
}

func (d *Dispatcher) send(conn interfaces.Connection, v interface{}) {
	if err := conn.WriteJSON(v); err != nil {
		d.logger.Debug("reply not delivered", "conn_id", conn.ID(), "error", err)
	}
}

// recordAnalytics appends a coordination-layer analytics event. Failures
// are only logged.
func (d *Dispatcher) recordAnalytics(ctx context.Context, sessionID, kind, participantID string, data map[string]interface{}) {
	event := types.AnalyticsEvent{Type: kind, ParticipantID: participantID, Data: data}
	if _, err := d.repo.AppendAnalyticsEvent(ctx, sessionID, event); err != nil {
		d.logger.Warn("analytics event dropped", "session_id", sessionID, "kind", kind, "error", err)
	}
}

func metricType(ev protocol.Event) string {
	if ev == nil {
		return outcomeUnknownType
	}
	return string(ev.Type())
}
