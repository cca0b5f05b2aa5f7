package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sanctuary/pkg/interfaces"
)

// Hub defaults
const (
	DefaultQueueSize      = 1000
	DefaultWorkers        = 4
	DefaultCleanupTimeout = 5 * time.Second
)

// Cleaner removes a closed connection from the sessions it joined
type Cleaner interface {
	Disconnected(ctx context.Context, conn interfaces.Connection)
}

// Config sizes the cleanup queue and its workers
type Config struct {
	QueueSize      int
	Workers        int
	CleanupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	return c
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Hub runs the work that must not sit on a connection's teardown path:
// disconnect cleanup through a bounded queue and periodic maintenance.
type Hub struct {
	cleaner Cleaner
	cfg     Config
	queue   chan interfaces.Connection
	tasks   []task
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ interfaces.DisconnectNotifier = (*Hub)(nil)

// NewHub creates a stopped hub; metrics may be nil
func NewHub(cleaner Cleaner, cfg Config, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Hub{
		cleaner: cleaner,
		cfg:     cfg,
		queue:   make(chan interfaces.Connection, cfg.QueueSize),
		metrics: metrics,
		logger:  logger.With("component", "hub"),
	}
}

// Every schedules fn to run each interval while the hub runs. Tasks must be
// added before Start.
func (h *Hub) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if name == "" || interval <= 0 || fn == nil {
		return ErrInvalidTask
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.tasks = append(h.tasks, task{name: name, interval: interval, run: fn})
	return nil
}

// Start launches the cleanup workers and maintenance tickers
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	for i := 0; i < h.cfg.Workers; i++ {
		h.wg.Add(1)
		go h.worker(ctx)
	}
	for _, t := range h.tasks {
		h.wg.Add(1)
		go h.schedule(ctx, t)
	}
	h.logger.Info("hub started", "workers", h.cfg.Workers, "tasks", len(h.tasks))
	return nil
}

// Stop halts the hub. Workers finish the cleanups already queued; Stop
// returns early with ctx's error if that takes too long.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionClosed queues disconnect cleanup and returns immediately. When
// the queue is full the cleanup runs on its own goroutine instead.
func (h *Hub) ConnectionClosed(conn interfaces.Connection) {
	if conn == nil || len(conn.JoinedSessions()) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		h.metrics.cleanup(modeDropped)
		h.logger.Warn("hub stopped, disconnect cleanup skipped", "conn_id", conn.ID(), "user_id", conn.Identity().UserID)
		return
	}

	select {
	case h.queue <- conn:
		h.metrics.cleanup(modeQueued)
		h.metrics.depth(len(h.queue))
	default:
		h.metrics.cleanup(modeOverflow)
		h.logger.Warn("cleanup queue full, running inline", "conn_id", conn.ID())
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.clean(conn)
		}()
	}
}

func (h *Hub) worker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case conn := <-h.queue:
			h.metrics.depth(len(h.queue))
			h.clean(conn)
		case <-ctx.Done():
			h.drain()
			return
		}
	}
}

// drain runs the cleanups still queued at shutdown
func (h *Hub) drain() {
	for {
		select {
		case conn := <-h.queue:
			h.clean(conn)
		default:
			h.metrics.depth(0)
			return
		}
	}
}

// clean uses its own deadline: the hub's context may already be cancelled
func (h *Hub) clean(conn interfaces.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CleanupTimeout)
	defer cancel()
	h.cleaner.Disconnected(ctx, conn)
}

func (h *Hub) schedule(ctx context.Context, t task) {
	defer h.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.run(ctx)
			h.metrics.ran(t.name)
		case <-ctx.Done():
			return
		}
	}
}
