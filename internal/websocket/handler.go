package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Handler defaults
const (
	DefaultIdleTimeout   = 60 * time.Second
	DefaultMaxFrameBytes = 64 * 1024

	anonymousPrefix = "anon-"
)

// HandlerConfig tunes the upgrade handler and the connections it creates
type HandlerConfig struct {
	Connection     ConnectionConfig
	IdleTimeout    time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// Handler is the connection gateway's HTTP entry point: it resolves the
// caller's identity, upgrades, registers the connection and runs its read
// loop. Frames are handed to the dispatcher in receive order.
type Handler struct {
	registry   *Registry
	verifier   interfaces.IdentityVerifier
	dispatcher interfaces.EventDispatcher
	notifier   interfaces.DisconnectNotifier
	metrics    *Metrics
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewHandler wires the gateway. verifier may be nil, in which case only
// anonymous connections are accepted; notifier may be nil.
func NewHandler(registry *Registry, verifier interfaces.IdentityVerifier, dispatcher interfaces.EventDispatcher, notifier interfaces.DisconnectNotifier, metrics *Metrics, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	cfg.Connection = cfg.Connection.withDefaults()
	if cfg.Connection.PingInterval >= cfg.IdleTimeout {
		cfg.Connection.PingInterval = cfg.IdleTimeout / 2
	}

	h := &Handler{
		registry:   registry,
		verifier:   verifier,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /ws
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolveIdentity(r)
	if err != nil {
		h.metrics.rejectedUpgrade("credential")
		h.logger.Info("rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.rejectedUpgrade("upgrade")
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, identity, h.cfg.Connection, h.logger)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", "error", err)
		_ = conn.Close()
		return
	}
	h.logger.Debug("connection opened", "conn_id", conn.ID(), "user_id", identity.UserID, "anonymous", identity.Anonymous)

	h.wg.Add(1)
	go h.serve(conn)
}

// resolveIdentity verifies a presented credential. No credential yields an
// anonymous identity scoped to this connection.
func (h *Handler) resolveIdentity(r *http.Request) (types.Identity, error) {
	credential, err := credentialFrom(r)
	if err != nil {
		return types.Identity{}, err
	}
	if credential == "" {
		return types.Identity{
			UserID:    anonymousPrefix + uuid.NewString(),
			Anonymous: true,
		}, nil
	}
	if h.verifier == nil {
		return types.Identity{}, ErrNoVerifier
	}
	return h.verifier.Verify(r.Context(), credential)
}

func credentialFrom(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrMalformedBearer
		}
		return strings.TrimSpace(token), nil
	}
	return strings.TrimSpace(r.URL.Query().Get("token")), nil
}

// serve runs the read loop. No inbound frame or pong within the idle
// window ends the connection.
func (h *Handler) serve(conn *Connection) {
	defer h.wg.Done()
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		if h.notifier != nil {
			h.notifier.ConnectionClosed(conn)
		}
		h.logger.Debug("connection closed", "conn_id", conn.ID())
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage || h.dispatcher == nil {
			continue
		}
		h.dispatcher.HandleFrame(conn.Context(), conn, data)
	}
}

// Shutdown closes every connection and waits for their read loops, or
// for ctx to end
func (h *Handler) Shutdown(ctx context.Context) error {
	h.registry.CloseAll()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
