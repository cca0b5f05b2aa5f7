package websocket

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Delivery modes for metrics
const (
	deliveryBroadcast = "broadcast"
	deliveryDirected  = "directed"
)

// Registry tracks live connections, the per-process identity index used for
// directed delivery and channel memberships. It never holds business state.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection                  // conn id -> conn
	identities  map[string]interfaces.Connection                  // user id -> latest conn
	channels    map[types.Channel]map[string]interfaces.Connection // channel -> conn id -> conn
	memberships map[string]map[types.Channel]struct{}             // conn id -> channels

	metrics *Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry; metrics may be nil
func NewRegistry(metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		identities:  make(map[string]interfaces.Connection),
		channels:    make(map[types.Channel]map[string]interfaces.Connection),
		memberships: make(map[string]map[types.Channel]struct{}),
		metrics:     metrics,
		logger:      logger.With("component", "registry"),
	}
}

// Register adds a connection. The latest connection of an identity wins the
// identity index; the one it supersedes is closed.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.Identity().UserID

	r.mu.Lock()
	previous, hadPrevious := r.identities[userID]
	r.connections[conn.ID()] = conn
	r.identities[userID] = conn
	r.memberships[conn.ID()] = make(map[types.Channel]struct{})
	r.updateGaugesLocked()
	r.mu.Unlock()

	if hadPrevious && previous.ID() != conn.ID() {
		r.logger.Info("superseding connection", "user_id", userID, "old_conn", previous.ID(), "new_conn", conn.ID())
		go func() {
			if err := previous.Close(); err != nil {
				r.logger.Debug("failed to close superseded connection", "error", err)
			}
		}()
	}
	return nil
}

// Unregister removes a connection and all its memberships. The identity
// index entry is only dropped while it still points at this connection.
// It reports the channels the connection was subscribed to.
func (r *Registry) Unregister(conn interfaces.Connection) []types.Channel {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.connections[id]; !ok {
		return nil
	}
	delete(r.connections, id)
	if current, ok := r.identities[conn.Identity().UserID]; ok && current.ID() == id {
		delete(r.identities, conn.Identity().UserID)
	}

	var dropped []types.Channel
	for ch := range r.memberships[id] {
		r.removeMemberLocked(ch, id)
		dropped = append(dropped, ch)
	}
	delete(r.memberships, id)
	r.updateGaugesLocked()
	sortChannels(dropped)
	return dropped
}

// Lookup resolves an identity to its local connection
func (r *Registry) Lookup(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.identities[userID]
	return conn, ok
}

// IsCurrent reports whether conn is still the identity's indexed connection
func (r *Registry) IsCurrent(conn interfaces.Connection) bool {
	current, ok := r.Lookup(conn.Identity().UserID)
	return ok && current.ID() == conn.ID()
}

// Subscribe adds conn to ch. It is idempotent and reports whether the
// membership is new.
func (r *Registry) Subscribe(conn interfaces.Connection, ch types.Channel) (bool, error) {
	if !ch.Kind.Valid() || !types.IsValidSessionID(ch.SessionID) {
		return false, types.ErrInvalidChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	member, ok := r.memberships[id]
	if !ok {
		return false, ErrNotRegistered
	}
	if _, already := member[ch]; already {
		return false, nil
	}
	member[ch] = struct{}{}
	subs := r.channels[ch]
	if subs == nil {
		subs = make(map[string]interfaces.Connection)
		r.channels[ch] = subs
	}
	subs[id] = conn
	r.updateGaugesLocked()
	return true, nil
}

// Unsubscribe removes conn from ch; absent memberships are a no-op
func (r *Registry) Unsubscribe(conn interfaces.Connection, ch types.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.ID()
	if member, ok := r.memberships[id]; ok {
		delete(member, ch)
	}
	r.removeMemberLocked(ch, id)
	r.updateGaugesLocked()
}

// RevokeSession drops every channel membership conn holds in the session
func (r *Registry) RevokeSession(conn interfaces.Connection, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.ID()
	for ch := range r.memberships[id] {
		if ch.SessionID == sessionID {
			delete(r.memberships[id], ch)
			r.removeMemberLocked(ch, id)
		}
	}
	r.updateGaugesLocked()
}

// IsSubscribed reports whether conn is a member of ch
func (r *Registry) IsSubscribed(conn interfaces.Connection, ch types.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberships[conn.ID()][ch]
	return ok
}

// ChannelsOf lists a connection's memberships, sorted
func (r *Registry) ChannelsOf(conn interfaces.Connection) []types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Channel, 0, len(r.memberships[conn.ID()]))
	for ch := range r.memberships[conn.ID()] {
		out = append(out, ch)
	}
	sortChannels(out)
	return out
}

// Subscribers snapshots a channel's members
func (r *Registry) Subscribers(ch types.Channel) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Connection, 0, len(r.channels[ch]))
	for _, conn := range r.channels[ch] {
		out = append(out, conn)
	}
	return out
}

// Broadcast sends v to every subscriber of the given channels except the
// connection with id exclude. A connection subscribed to several of the
// channels receives v once. Returns how many connections it was queued to.
func (r *Registry) Broadcast(v interface{}, exclude string, channels ...types.Channel) int {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("broadcast payload not serializable", "error", err)
		return 0
	}

	r.mu.RLock()
	targets := make(map[string]interfaces.Connection)
	for _, ch := range channels {
		for id, conn := range r.channels[ch] {
			if id != exclude {
				targets[id] = conn
			}
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(json.RawMessage(data)); err != nil {
			r.logger.Debug("broadcast write failed", "conn_id", conn.ID(), "error", err)
			continue
		}
		sent++
	}
	r.metrics.deliveredTo(deliveryBroadcast, sent)
	return sent
}

// SendTo delivers v to the identity's local connection. Targets without a
// local connection are dropped and counted.
func (r *Registry) SendTo(userID string, v interface{}) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		r.metrics.dropped()
		r.logger.Debug("directed delivery dropped", "target", userID)
		return false
	}
	if err := conn.WriteJSON(v); err != nil {
		r.metrics.dropped()
		r.logger.Debug("directed delivery failed", "target", userID, "error", err)
		return false
	}
	r.metrics.deliveredTo(deliveryDirected, 1)
	return true
}

// CloseSession notifies every subscriber of the session with v and drops
// all of the session's channels
func (r *Registry) CloseSession(sessionID string, v interface{}) int {
	sent := r.Broadcast(v, "", types.SessionChannels(sessionID)...)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range types.SessionChannels(sessionID) {
		for id := range r.channels[ch] {
			delete(r.memberships[id], ch)
		}
		delete(r.channels, ch)
	}
	r.updateGaugesLocked()
	return sent
}

// SessionConnectionCount counts distinct connections subscribed to any
// channel of the session
func (r *Registry) SessionConnectionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, ch := range types.SessionChannels(sessionID) {
		for id := range r.channels[ch] {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// CloseAll closes every connection, for shutdown
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Stats returns registry sizes for health reporting
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make(map[string]struct{})
	for ch := range r.channels {
		sessions[ch.SessionID] = struct{}{}
	}
	return map[string]int{
		"total_connections": len(r.connections),
		"identities":        len(r.identities),
		"channels":          len(r.channels),
		"subscriptions":     r.subscriptionCountLocked(),
		"active_sessions":   len(sessions),
	}
}

func (r *Registry) removeMemberLocked(ch types.Channel, connID string) {
	subs, ok := r.channels[ch]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.channels, ch)
	}
}

func (r *Registry) subscriptionCountLocked() int {
	n := 0
	for _, subs := range r.channels {
		n += len(subs)
	}
	return n
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.setSizes(len(r.connections), len(r.channels), r.subscriptionCountLocked())
}

func sortChannels(chs []types.Channel) {
	sort.Slice(chs, func(i, j int) bool {
		if chs[i].SessionID != chs[j].SessionID {
			return chs[i].SessionID < chs[j].SessionID
		}
		return chs[i].Kind < chs[j].Kind
	})
}
