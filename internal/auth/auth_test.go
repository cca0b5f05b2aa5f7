package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sanctuary/internal/state"
	"sanctuary/internal/store"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

type fakeDirectory struct {
	mu       sync.Mutex
	sessions map[string]*types.SessionRecord
	grants   map[string]*types.HostGrant
	lookups  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		sessions: make(map[string]*types.SessionRecord),
		grants:   make(map[string]*types.HostGrant),
	}
}

func (f *fakeDirectory) CreateSession(ctx context.Context, record *types.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[record.ID] = record
	return nil
}

func (f *fakeDirectory) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.sessions[sessionID]; ok {
		return r, nil
	}
	return nil, interfaces.ErrSessionNotFound
}

func (f *fakeDirectory) UpdateSession(ctx context.Context, record *types.SessionRecord) error {
	return f.CreateSession(ctx, record)
}

func (f *fakeDirectory) ListActiveSessions(ctx context.Context) ([]*types.SessionRecord, error) {
	return nil, nil
}

func (f *fakeDirectory) StoreHostGrant(ctx context.Context, grant *types.HostGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[grant.SessionID+"/"+grant.TokenHash] = grant
	return nil
}

func (f *fakeDirectory) GetHostGrant(ctx context.Context, sessionID, tokenHash string) (*types.HostGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if g, ok := f.grants[sessionID+"/"+tokenHash]; ok {
		return g, nil
	}
	return nil, interfaces.ErrGrantNotFound
}

func (f *fakeDirectory) RevokeHostGrants(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, g := range f.grants {
		if g.SessionID == sessionID {
			delete(f.grants, k)
		}
	}
	return nil
}

type principal struct {
	identity types.Identity
	tokens   map[string]string
}

func (p principal) Identity() types.Identity          { return p.identity }
func (p principal) HostToken(sessionID string) string { return p.tokens[sessionID] }

func anonymous(id string, tokens map[string]string) principal {
	return principal{identity: types.Identity{UserID: id, Anonymous: true}, tokens: tokens}
}

func authenticated(id string) principal {
	return principal{identity: types.Identity{UserID: id, DisplayName: id}}
}

// TestJWTVerifier_RoundTrip tests functional validation - issue then verify
func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("secret", "sanctuary")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	token, err := v.Issue(types.Identity{UserID: "user-1", DisplayName: "River", Roles: []string{"listener"}}, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Expected valid credential, got %v", err)
	}
	if identity.UserID != "user-1" || identity.DisplayName != "River" || identity.Anonymous || !identity.HasRole("listener") {
		t.Errorf("Unexpected identity: %+v", identity)
	}
}

// TestJWTVerifier_Rejects tests that presented-but-invalid credentials fail
func TestJWTVerifier_Rejects(t *testing.T) {
	v, _ := NewJWTVerifier("secret", "sanctuary")
	other, _ := NewJWTVerifier("other-secret", "sanctuary")
	wrongIssuer, _ := NewJWTVerifier("secret", "someone-else")

	expired := &JWTVerifier{secret: []byte("secret"), issuer: "sanctuary", now: func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}}

	forged, _ := other.Issue(types.Identity{UserID: "user-1"}, time.Hour)
	stale, _ := expired.Issue(types.Identity{UserID: "user-1"}, time.Hour)
	foreign, _ := wrongIssuer.Issue(types.Identity{UserID: "user-1"}, time.Hour)
	noSubject, _ := v.Issue(types.Identity{}, time.Hour)
	badSubject, _ := v.Issue(types.Identity{UserID: "not a valid id"}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", "   "},
		{"garbage", "not.a.jwt"},
		{"wrong signature", forged},
		{"expired", stale},
		{"wrong issuer", foreign},
		{"no subject", noSubject},
		{"invalid subject", badSubject},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.credential); !errors.Is(err, interfaces.ErrInvalidIdentity) {
				t.Errorf("Expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

// TestJWTVerifier_RequiresSecret tests architectural validation
func TestJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("", ""); err != ErrMissingSecret {
		t.Errorf("Expected ErrMissingSecret, got %v", err)
	}
}

func newTestAuthority(t *testing.T, dir interfaces.SessionDirectory) (*HostAuthority, *state.Repository, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	repo := state.NewRepository(mem)
	return NewHostAuthority(repo, dir, time.Hour, nil), repo, mem
}

// TestHostAuthority_TokenGrant tests possession-based authority
func TestHostAuthority_TokenGrant(t *testing.T) {
	dir := newFakeDirectory()
	a, _, _ := newTestAuthority(t, dir)
	ctx := context.Background()

	token, expiresAt, err := a.GrantHostToken(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(token) < 40 || expiresAt.IsZero() {
		t.Errorf("Unexpected grant: %q %v", token, expiresAt)
	}
	for _, g := range dir.grants {
		if g.TokenHash == token {
			t.Error("Plaintext token must never be stored")
		}
	}

	if !a.TokenGrantValid(ctx, "sess-1", token) {
		t.Error("Expected granted token to be valid")
	}
	if a.TokenGrantValid(ctx, "sess-2", token) {
		t.Error("Expected token to be scoped to its session")
	}
	if a.TokenGrantValid(ctx, "sess-1", "") || a.TokenGrantValid(ctx, "sess-1", "guess") {
		t.Error("Expected missing or wrong tokens to be invalid")
	}
	if !a.IsHost(ctx, "sess-1", anonymous("anon-1", map[string]string{"sess-1": token})) {
		t.Error("Expected anonymous token holder to be host")
	}
}

// TestHostAuthority_DirectoryFallback tests rehydration after cache loss
func TestHostAuthority_DirectoryFallback(t *testing.T) {
	dir := newFakeDirectory()
	a, repo, _ := newTestAuthority(t, dir)
	ctx := context.Background()

	token, _, _ := a.GrantHostToken(ctx, "sess-1")
	_ = repo.DropHostGrants(ctx, "sess-1")

	if !a.TokenGrantValid(ctx, "sess-1", token) {
		t.Fatal("Expected directory fallback to validate the token")
	}
	if !repo.HasHostGrant(ctx, "sess-1", HashToken(token)) {
		t.Error("Expected grant to be re-cached")
	}
	lookups := dir.lookups
	a.TokenGrantValid(ctx, "sess-1", token)
	if dir.lookups != lookups {
		t.Error("Expected cached grant to avoid a directory lookup")
	}
}

// TestHostAuthority_GrantExpiry tests that grants lapse in cache and directory
func TestHostAuthority_GrantExpiry(t *testing.T) {
	dir := newFakeDirectory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := store.NewMemoryStore(store.WithClock(clock))
	repo := state.NewRepository(mem, state.WithClock(clock))
	a := NewHostAuthority(repo, dir, time.Minute, nil)
	a.now = clock
	ctx := context.Background()

	token, _, _ := a.GrantHostToken(ctx, "sess-1")
	if !a.TokenGrantValid(ctx, "sess-1", token) {
		t.Fatal("Expected fresh grant to be valid")
	}
	now = now.Add(2 * time.Minute)
	if a.TokenGrantValid(ctx, "sess-1", token) {
		t.Error("Expected expired grant to be invalid")
	}
}

// TestHostAuthority_Revoke tests functional validation
func TestHostAuthority_Revoke(t *testing.T) {
	dir := newFakeDirectory()
	a, _, _ := newTestAuthority(t, dir)
	ctx := context.Background()

	token, _, _ := a.GrantHostToken(ctx, "sess-1")
	if err := a.RevokeGrants(ctx, "sess-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if a.TokenGrantValid(ctx, "sess-1", token) {
		t.Error("Expected revoked grant to be invalid")
	}
}

// TestHostAuthority_Ownership tests identity-based authority
func TestHostAuthority_Ownership(t *testing.T) {
	dir := newFakeDirectory()
	a, repo, _ := newTestAuthority(t, dir)
	ctx := context.Background()

	_ = dir.CreateSession(ctx, &types.SessionRecord{ID: "sess-dir", OwnerID: "owner-1"})
	owner := "owner-2"
	_, _ = repo.UpsertSession(ctx, "sess-live", types.SessionPatch{OwnerID: &owner})

	tests := []struct {
		name      string
		sessionID string
		who       principal
		want      bool
	}{
		{"owner from directory", "sess-dir", authenticated("owner-1"), true},
		{"owner from live state", "sess-live", authenticated("owner-2"), true},
		{"not the owner", "sess-live", authenticated("owner-1"), false},
		{"anonymous with owner id", "sess-dir", anonymous("owner-1", nil), false},
		{"unknown session", "sess-none", authenticated("owner-1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.IsHost(ctx, tt.sessionID, tt.who); got != tt.want {
				t.Errorf("IsHost = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestHostAuthority_CanModerate tests the roster-role path
func TestHostAuthority_CanModerate(t *testing.T) {
	a, repo, _ := newTestAuthority(t, nil)
	ctx := context.Background()

	_, _ = repo.UpsertSession(ctx, "sess-1", types.SessionPatch{})
	_, _ = repo.AddParticipant(ctx, "sess-1", types.Participant{ID: "mod-1", Role: types.RoleModerator})
	_, _ = repo.AddParticipant(ctx, "sess-1", types.Participant{ID: "p1", Role: types.RoleParticipant})

	if !a.CanModerate(ctx, "sess-1", authenticated("mod-1")) {
		t.Error("Expected moderator to moderate")
	}
	if a.IsHost(ctx, "sess-1", authenticated("mod-1")) {
		t.Error("Moderators are not hosts")
	}
	if a.CanModerate(ctx, "sess-1", authenticated("p1")) {
		t.Error("Expected plain participant to be refused")
	}
}

// TestHostAuthority_NoDirectory tests that grants work from the store alone
func TestHostAuthority_NoDirectory(t *testing.T) {
	a, _, _ := newTestAuthority(t, nil)
	ctx := context.Background()

	token, _, err := a.GrantHostToken(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !a.TokenGrantValid(ctx, "sess-1", token) {
		t.Error("Expected store-only grant to be valid")
	}
}
