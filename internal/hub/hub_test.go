package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

type stubConn struct {
	id       string
	sessions []string
}

func (s *stubConn) ID() string                           { return s.id }
func (s *stubConn) Identity() types.Identity             { return types.Identity{UserID: "user-" + s.id} }
func (s *stubConn) WriteJSON(v interface{}) error        { return nil }
func (s *stubConn) Close() error                         { return nil }
func (s *stubConn) HostToken(sessionID string) string    { return "" }
func (s *stubConn) SetHostToken(sessionID, token string) {}
func (s *stubConn) MarkJoined(sessionID string)          {}
func (s *stubConn) MarkLeft(sessionID string)            {}
func (s *stubConn) JoinedSessions() []string             { return s.sessions }

// recordingCleaner counts cleanups and can hold them until released
type recordingCleaner struct {
	mu      sync.Mutex
	cleaned []string
	hold    chan struct{}
	done    chan string
}

func (r *recordingCleaner) Disconnected(ctx context.Context, conn interfaces.Connection) {
	if r.hold != nil {
		<-r.hold
	}
	if _, ok := ctx.Deadline(); !ok {
		panic("cleanup must run with a deadline")
	}
	r.mu.Lock()
	r.cleaned = append(r.cleaned, conn.ID())
	r.mu.Unlock()
	if r.done != nil {
		r.done <- conn.ID()
	}
}

func (r *recordingCleaner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cleaned)
}

// TestHub_StartStop tests functional validation - hub lifecycle management
func TestHub_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(&recordingCleaner{}, Config{}, nil, nil)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(ctx); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

// TestHub_ConnectionClosedDoesNotBlock tests fire-and-forget cleanup
func TestHub_ConnectionClosedDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	cleaner := &recordingCleaner{hold: make(chan struct{})}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := NewHub(cleaner, Config{QueueSize: 1, Workers: 1}, metrics, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.ConnectionClosed(&stubConn{id: string(rune('a' + i)), sessions: []string{"s1"}})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("ConnectionClosed blocked while cleanups were held")
	}

	close(cleaner.hold)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := cleaner.count(); got != 5 {
		t.Errorf("Expected all 5 cleanups to run, got %d", got)
	}
	overflow := testutil.ToFloat64(metrics.cleanups.WithLabelValues(modeOverflow))
	queued := testutil.ToFloat64(metrics.cleanups.WithLabelValues(modeQueued))
	if overflow+queued != 5 || overflow == 0 {
		t.Errorf("Expected overflow cleanups counted, got queued=%v overflow=%v", queued, overflow)
	}
}

// TestHub_SkipsConnectionsWithoutSessions tests functional validation
func TestHub_SkipsConnectionsWithoutSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	cleaner := &recordingCleaner{done: make(chan string, 1)}
	h := NewHub(cleaner, Config{}, nil, nil)
	_ = h.Start(context.Background())

	h.ConnectionClosed(&stubConn{id: "idle"})
	h.ConnectionClosed(&stubConn{id: "member", sessions: []string{"s1"}})
	select {
	case id := <-cleaner.done:
		if id != "member" {
			t.Errorf("Expected member cleaned, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected cleanup to run")
	}

	_ = h.Stop(context.Background())
	if cleaner.count() != 1 {
		t.Errorf("Expected 1 cleanup, got %d", cleaner.count())
	}
}

// TestHub_StoppedHubDropsCleanup tests functional validation
func TestHub_StoppedHubDropsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	cleaner := &recordingCleaner{}
	h := NewHub(cleaner, Config{}, nil, nil)
	h.ConnectionClosed(&stubConn{id: "late", sessions: []string{"s1"}})
	if cleaner.count() != 0 {
		t.Error("Expected no cleanup while stopped")
	}
}

// TestHub_MaintenanceTasks tests periodic task scheduling
func TestHub_MaintenanceTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(&recordingCleaner{}, Config{}, nil, nil)
	var runs atomic.Int32
	if err := h.Every("sweep", 10*time.Millisecond, func(ctx context.Context) { runs.Add(1) }); err != nil {
		t.Fatalf("Expected task accepted, got %v", err)
	}
	if err := h.Every("", time.Second, func(ctx context.Context) {}); err != ErrInvalidTask {
		t.Errorf("Expected ErrInvalidTask, got %v", err)
	}

	_ = h.Start(context.Background())
	if err := h.Every("late", time.Second, func(ctx context.Context) {}); err != ErrHubAlreadyRunning {
		t.Errorf("Expected tasks refused while running, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = h.Stop(context.Background())
	if runs.Load() < 3 {
		t.Errorf("Expected task to run repeatedly, got %d runs", runs.Load())
	}
}
