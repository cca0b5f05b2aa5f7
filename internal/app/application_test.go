package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sanctuary/internal/config"
	"sanctuary/internal/session"
	"sanctuary/pkg/types"
)

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Database.Path = dbPath
	cfg.Log.Level = "error"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	application, err := NewApplication(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	return application
}

func stopApp(t *testing.T, application *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

// TestNewLogger tests level and format selection
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("Expected JSON output, got %s", out)
	}

	buf.Reset()
	NewLogger(config.LogConfig{Level: "bogus", Format: "text"}, &buf).Info("fallback")
	if !strings.Contains(buf.String(), "msg=fallback") {
		t.Errorf("Expected text output at info level, got %s", buf.String())
	}
}

// TestNewApplication_InvalidConfig tests constructor validation
func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, quietLogger())
	if err == nil {
		t.Error("Expected invalid configuration to be rejected")
	}
	if application != nil {
		t.Error("Expected no application for invalid configuration")
	}
}

// TestNewApplication_UnreachableRedis tests startup failure on the shared store
func TestNewApplication_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "app.db"))
	cfg.Store.Backend = config.StoreRedis
	cfg.Store.Redis.Addr = "127.0.0.1:1"
	cfg.Store.Redis.Timeout = 200 * time.Millisecond

	if _, err := NewApplication(cfg, quietLogger()); err == nil {
		t.Error("Expected unreachable redis to fail startup")
	}
}

// TestApplication_Lifecycle tests serving and restoring sessions after restart
func TestApplication_Lifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "app.db")
	application := startApp(t, testConfig(t, dbPath))
	base := "http://" + application.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("Expected health response, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy status, got %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/sessions", "application/json", strings.NewReader(`{"name":"Night watch"}`))
	if err != nil {
		t.Fatalf("Expected create response, got %v", err)
	}
	var created session.Created
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.Session == nil {
		t.Fatalf("Expected created session, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("Expected metrics response, got %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected runtime metrics to be exported")
	}

	stopApp(t, application)

	restarted := startApp(t, testConfig(t, dbPath))
	defer stopApp(t, restarted)

	resp, err = http.Get("http://" + restarted.Addr() + "/api/sessions/" + created.Session.ID + "/overview")
	if err != nil {
		t.Fatalf("Expected overview response, got %v", err)
	}
	var overview types.Overview
	_ = json.NewDecoder(resp.Body).Decode(&overview)
	resp.Body.Close()
	if overview.Session == nil || overview.Session.Status != types.SessionStatusLive {
		t.Errorf("Expected live session restored after restart, got %+v", overview.Session)
	}
}
