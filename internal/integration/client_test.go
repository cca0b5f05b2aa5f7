package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sanctuary/internal/app"
	"sanctuary/internal/auth"
	"sanctuary/internal/config"
	"sanctuary/internal/session"
	"sanctuary/pkg/types"
)

const (
	testSecret = "integration-secret"
	readWait   = 3 * time.Second
)

// notice mirrors the outbound wire shape with a raw payload
type notice struct {
	Type      string          `json:"type"`
	Ref       string          `json:"ref"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type server struct {
	app    *app.Application
	base   string
	issuer *auth.JWTVerifier
}

func startServer(t *testing.T) *server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.Auth.JWTSecret = testSecret

	application, err := app.NewApplication(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	})

	issuer, err := auth.NewJWTVerifier(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	return &server{app: application, base: "http://" + application.Addr(), issuer: issuer}
}

func (s *server) createSession(t *testing.T, name string) *session.Created {
	t.Helper()
	resp, err := http.Post(s.base+"/api/sessions", "application/json", strings.NewReader(`{"name":"`+name+`"}`))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var created session.Created
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	return &created
}

func (s *server) overview(t *testing.T, sessionID string) *types.Overview {
	t.Helper()
	resp, err := http.Get(s.base + "/api/sessions/" + sessionID + "/overview")
	if err != nil {
		t.Fatalf("Failed to get overview: %v", err)
	}
	defer resp.Body.Close()
	var overview types.Overview
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		t.Fatalf("Failed to decode overview: %v", err)
	}
	return &overview
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial connects as userID, or anonymously when userID is empty
func (s *server) dial(t *testing.T, userID string) *client {
	t.Helper()
	header := http.Header{}
	if userID != "" {
		token, err := s.issuer.Issue(types.Identity{UserID: userID, DisplayName: userID}, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(s.base, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Failed to dial as %q: %v", userID, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(eventType, ref, sessionID string, payload interface{}) {
	c.t.Helper()
	frame := map[string]interface{}{"type": eventType, "ref": ref, "session_id": sessionID}
	if payload != nil {
		frame["payload"] = payload
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("Failed to send %s: %v", eventType, err)
	}
}

// expect reads until a notice of the given type arrives
func (c *client) expect(noticeType string) notice {
	c.t.Helper()
	deadline := time.Now().Add(readWait)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var n notice
		if err := c.conn.ReadJSON(&n); err != nil {
			c.t.Fatalf("Expected %s notice, got read error %v", noticeType, err)
		}
		if n.Type == noticeType {
			return n
		}
	}
}

// expectRef reads until the reply to ref arrives
func (c *client) expectRef(ref string) notice {
	c.t.Helper()
	deadline := time.Now().Add(readWait)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var n notice
		if err := c.conn.ReadJSON(&n); err != nil {
			c.t.Fatalf("Expected reply to %s, got read error %v", ref, err)
		}
		if n.Ref == ref {
			return n
		}
	}
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode payload %s: %v", raw, err)
	}
}
