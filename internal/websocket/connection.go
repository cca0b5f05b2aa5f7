package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Connection defaults
const (
	DefaultBufferSize   = 100
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// ConnectionConfig tunes the per-connection writer
type ConnectionConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	return c
}

// Connection wraps one WebSocket. All writes, pings included, go through a
// single writer goroutine; WriteJSON only enqueues.
type Connection struct {
	id       string
	identity types.Identity
	conn     *websocket.Conn
	cfg      ConnectionConfig
	logger   *slog.Logger

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu         sync.RWMutex
	hostTokens map[string]string
	joined     map[string]struct{}
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn for identity and starts its writer
func NewConnection(conn *websocket.Conn, identity types.Identity, cfg ConnectionConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         uuid.NewString(),
		identity:   identity,
		conn:       conn,
		cfg:        cfg,
		writeCh:    make(chan []byte, cfg.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		hostTokens: make(map[string]string),
		joined:     make(map[string]struct{}),
	}
	c.logger = logger.With("conn_id", c.id, "user_id", identity.UserID)

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.teardown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.teardown()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.teardown()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID is the transport handle recorded on roster entries
func (c *Connection) ID() string {
	return c.id
}

// Identity is fixed at connect time
func (c *Connection) Identity() types.Identity {
	return c.identity
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// WriteJSON marshals v and queues it. A connection whose buffer stays full
// for the write timeout is too slow to keep and is closed.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		c.logger.Warn("closing slow connection", "buffer", cap(c.writeCh))
		_ = c.Close()
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket; safe to call repeatedly
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

// teardown is Close from the writer goroutine, where errors are moot
func (c *Connection) teardown() {
	_ = c.Close()
}

// HostToken returns the host token presented for a session
func (c *Connection) HostToken(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostTokens[sessionID]
}

// SetHostToken remembers a host token; an empty token forgets it
func (c *Connection) SetHostToken(sessionID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "" {
		delete(c.hostTokens, sessionID)
		return
	}
	c.hostTokens[sessionID] = token
}

func (c *Connection) MarkJoined(sessionID string) {
	c.mu.Lock()
	c.joined[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) MarkLeft(sessionID string) {
	c.mu.Lock()
	delete(c.joined, sessionID)
	c.mu.Unlock()
}

// JoinedSessions lists joined sessions, sorted
func (c *Connection) JoinedSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]string, 0, len(c.joined))
	for id := range c.joined {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions
}
