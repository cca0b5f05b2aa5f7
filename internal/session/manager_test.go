package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sanctuary/internal/auth"
	"sanctuary/internal/state"
	"sanctuary/internal/store"
	"sanctuary/internal/websocket"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Mock SessionDirectory for testing; records are copied in and out like a
// real database would
type mockDirectory struct {
	mu       sync.RWMutex
	sessions map[string]types.SessionRecord
	grants   map[string]types.HostGrant

	shouldFailCreate bool
	shouldFailUpdate bool
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		sessions: make(map[string]types.SessionRecord),
		grants:   make(map[string]types.HostGrant),
	}
}

func (m *mockDirectory) CreateSession(ctx context.Context, record *types.SessionRecord) error {
	if m.shouldFailCreate {
		return errors.New("database create failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[record.ID] = *record
	return nil
}

func (m *mockDirectory) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return &record, nil
}

func (m *mockDirectory) UpdateSession(ctx context.Context, record *types.SessionRecord) error {
	if m.shouldFailUpdate {
		return errors.New("database update failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[record.ID] = *record
	return nil
}

func (m *mockDirectory) ListActiveSessions(ctx context.Context) ([]*types.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []*types.SessionRecord
	for _, record := range m.sessions {
		if record.Status == types.SessionStatusLive {
			r := record
			records = append(records, &r)
		}
	}
	return records, nil
}

func (m *mockDirectory) StoreHostGrant(ctx context.Context, grant *types.HostGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grant.SessionID+":"+grant.TokenHash] = *grant
	return nil
}

func (m *mockDirectory) GetHostGrant(ctx context.Context, sessionID, tokenHash string) (*types.HostGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[sessionID+":"+tokenHash]
	if !ok {
		return nil, interfaces.ErrGrantNotFound
	}
	return &grant, nil
}

func (m *mockDirectory) RevokeHostGrants(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, grant := range m.grants {
		if grant.SessionID == sessionID {
			delete(m.grants, key)
		}
	}
	return nil
}

// listener is a registered connection that records notice types
type listener struct {
	id   string
	mu   sync.Mutex
	seen []string
}

func (l *listener) ID() string { return l.id }
func (l *listener) Identity() types.Identity {
	return types.Identity{UserID: l.id}
}
func (l *listener) Close() error                         { return nil }
func (l *listener) HostToken(sessionID string) string    { return "" }
func (l *listener) SetHostToken(sessionID, token string) {}
func (l *listener) MarkJoined(sessionID string)          {}
func (l *listener) MarkLeft(sessionID string)            {}
func (l *listener) JoinedSessions() []string             { return nil }

func (l *listener) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var notice struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &notice); err != nil {
		return err
	}
	l.mu.Lock()
	l.seen = append(l.seen, notice.Type)
	l.mu.Unlock()
	return nil
}

func (l *listener) noticeTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

type fixture struct {
	directory *mockDirectory
	repo      *state.Repository
	authority *auth.HostAuthority
	registry  *websocket.Registry
	manager   *Manager
}

func newFixture() *fixture {
	directory := newMockDirectory()
	repo := state.NewRepository(store.NewMemoryStore())
	authority := auth.NewHostAuthority(repo, directory, time.Hour, nil)
	registry := websocket.NewRegistry(nil, nil)
	return &fixture{
		directory: directory,
		repo:      repo,
		authority: authority,
		registry:  registry,
		manager:   NewManager(directory, repo, authority, registry, nil),
	}
}

// TestManager_CreateSession tests functional validation - session goes live
func TestManager_CreateSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.manager.CreateSession(ctx, "  Evening circle ", "owner-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if created.Session.Name != "Evening circle" {
		t.Errorf("Expected trimmed name, got %q", created.Session.Name)
	}
	if created.Session.Status != types.SessionStatusLive {
		t.Errorf("Expected live status, got %s", created.Session.Status)
	}
	if created.HostToken == "" || !created.HostTokenExpiresAt.After(time.Now()) {
		t.Error("Expected host token with future expiry")
	}
	if !f.authority.TokenGrantValid(ctx, created.Session.ID, created.HostToken) {
		t.Error("Expected granted token to be valid")
	}

	live := f.repo.GetSession(ctx, created.Session.ID)
	if live == nil || live.Status != types.SessionStatusLive || live.OwnerID != "owner-1" {
		t.Errorf("Expected live repository session owned by owner-1, got %+v", live)
	}
	if _, err := f.directory.GetSession(ctx, created.Session.ID); err != nil {
		t.Errorf("Expected directory record, got %v", err)
	}
}

// TestManager_CreateSessionValidation tests input validation
func TestManager_CreateSessionValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name    string
		session string
		owner   string
		wantErr error
	}{
		{"empty name", "   ", "owner-1", types.ErrInvalidSessionName},
		{"bad owner", "Circle", "owner 1", ErrInvalidOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.CreateSession(ctx, tt.session, tt.owner)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := f.manager.CreateSession(ctx, "Ownerless", ""); err != nil {
		t.Errorf("Expected ownerless session to be allowed, got %v", err)
	}

	f.directory.shouldFailCreate = true
	if _, err := f.manager.CreateSession(ctx, "Circle", "owner-1"); err == nil {
		t.Error("Expected directory failure to surface")
	}
}

// TestManager_GetAndList tests summaries with live counts
func TestManager_GetAndList(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, _ := f.manager.CreateSession(ctx, "Circle", "owner-1")
	sid := created.Session.ID
	_, _ = f.repo.AddParticipant(ctx, sid, types.Participant{ID: "p1", Role: types.RoleParticipant, Status: types.StatusConnected})

	conn := &listener{id: "p1"}
	_ = f.registry.Register(conn)
	_, _ = f.registry.Subscribe(conn, types.ChannelFor(types.ChannelPresence, sid))
	_, _ = f.registry.Subscribe(conn, types.ChannelFor(types.ChannelAudio, sid))

	summary, err := f.manager.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if summary.Connections != 1 || summary.Participants != 1 {
		t.Errorf("Expected 1 connection and 1 participant, got %d/%d", summary.Connections, summary.Participants)
	}

	_, _ = f.manager.CreateSession(ctx, "Second", "")
	list, err := f.manager.ListActiveSessions(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("Expected 2 active sessions, got %d (%v)", len(list), err)
	}

	if _, err := f.manager.GetSession(ctx, "missing"); !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// TestManager_EndSession tests end notification, revocation and cleanup
func TestManager_EndSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, _ := f.manager.CreateSession(ctx, "Circle", "owner-1")
	sid := created.Session.ID
	_, _ = f.repo.AddParticipant(ctx, sid, types.Participant{ID: "p1"})
	_, _ = f.repo.AppendEmergencyAlert(ctx, sid, types.EmergencyAlert{Type: "crisis", ReporterID: "p1"})

	conn := &listener{id: "p1"}
	_ = f.registry.Register(conn)
	_, _ = f.registry.Subscribe(conn, types.ChannelFor(types.ChannelPresence, sid))

	if err := f.manager.EndSession(ctx, sid); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	seen := conn.noticeTypes()
	if len(seen) != 1 || seen[0] != "session_ended" {
		t.Errorf("Expected one session_ended notice, got %v", seen)
	}
	if f.registry.SessionConnectionCount(sid) != 0 {
		t.Error("Expected session channels dropped")
	}
	if f.authority.TokenGrantValid(ctx, sid, created.HostToken) {
		t.Error("Expected host token revoked")
	}
	if overview := f.repo.GetOverview(ctx, sid); !overview.IsEmpty() {
		t.Errorf("Expected live state removed, got %+v", overview)
	}

	record, _ := f.directory.GetSession(ctx, sid)
	if record.Status != types.SessionStatusEnded || record.EndedAt == nil {
		t.Errorf("Expected ended directory record, got %+v", record)
	}

	if err := f.manager.EndSession(ctx, sid); !errors.Is(err, ErrSessionAlreadyEnded) {
		t.Errorf("Expected ErrSessionAlreadyEnded, got %v", err)
	}
	if err := f.manager.EndSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// TestManager_EndSessionUpdateFailure tests that a failed directory write
// leaves the session live
func TestManager_EndSessionUpdateFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, _ := f.manager.CreateSession(ctx, "Circle", "owner-1")
	f.directory.shouldFailUpdate = true

	if err := f.manager.EndSession(ctx, created.Session.ID); err == nil {
		t.Fatal("Expected update failure")
	}
	if live := f.repo.GetSession(ctx, created.Session.ID); live == nil || live.Status != types.SessionStatusLive {
		t.Error("Expected session still live")
	}
}

// TestManager_UpdateState tests the administrative command path
func TestManager_UpdateState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, _ := f.manager.CreateSession(ctx, "Circle", "owner-1")
	sid := created.Session.ID
	conn := &listener{id: "p1"}
	_ = f.registry.Register(conn)
	_, _ = f.registry.Subscribe(conn, types.ChannelFor(types.ChannelPresence, sid))

	session, err := f.manager.UpdateState(ctx, sid, types.SessionPatch{
		Metrics: map[string]interface{}{"topic": "sleep"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if session.Metrics["topic"] != "sleep" {
		t.Errorf("Expected merged metric, got %v", session.Metrics)
	}
	if seen := conn.noticeTypes(); len(seen) != 1 || seen[0] != "session_updated" {
		t.Errorf("Expected session_updated notice, got %v", seen)
	}

	ended := types.SessionStatusEnded
	if _, err := f.manager.UpdateState(ctx, sid, types.SessionPatch{Status: &ended}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
	if _, err := f.manager.UpdateState(ctx, "missing", types.SessionPatch{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// TestManager_LoadActiveSessions tests restore after a store restart
func TestManager_LoadActiveSessions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_ = f.directory.CreateSession(ctx, &types.SessionRecord{
		ID: "s1", Name: "Kept", OwnerID: "owner-1", Status: types.SessionStatusLive, CreatedAt: time.Now(),
	})
	_ = f.directory.CreateSession(ctx, &types.SessionRecord{
		ID: "s2", Name: "Gone", Status: types.SessionStatusEnded, CreatedAt: time.Now(),
	})

	if err := f.manager.LoadActiveSessions(ctx); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if live := f.repo.GetSession(ctx, "s1"); live == nil || live.OwnerID != "owner-1" {
		t.Errorf("Expected s1 restored, got %+v", live)
	}
	if f.repo.GetSession(ctx, "s2") != nil {
		t.Error("Expected ended session not restored")
	}
}
