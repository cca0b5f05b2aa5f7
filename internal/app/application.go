package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sanctuary/internal/api"
	"sanctuary/internal/auth"
	"sanctuary/internal/config"
	"sanctuary/internal/database"
	"sanctuary/internal/hub"
	"sanctuary/internal/router"
	"sanctuary/internal/session"
	"sanctuary/internal/state"
	"sanctuary/internal/store"
	"sanctuary/internal/websocket"
	pkgdatabase "sanctuary/pkg/database"
	"sanctuary/pkg/interfaces"
)

// Application coordinates all system components.
// Initialization order: Store → Database → Repository → Registry →
// Authority → Dispatcher → Hub → Sessions → Gateway → API → HTTP
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	store      interfaces.Store
	dbManager  *database.Manager
	registry   *websocket.Registry
	cleanupHub *hub.Hub
	gateway    *websocket.Handler
	sessions   *session.Manager
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewLogger builds the process logger from the log settings
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// NewApplication creates a new application instance with all components
// initialized. Resources opened before a failure are released.
func NewApplication(cfg *config.Config, logger *slog.Logger) (app *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = NewLogger(cfg.Log, os.Stderr)
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// STEP 1: ephemeral keyed store
	kv, memory, err := openStore(cfg.Store, logger, store.NewMetrics(promRegistry))
	if err != nil {
		return nil, err
	}
	closers = append(closers, kv.Close)

	// STEP 2: durable session directory
	dbManager, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, dbManager.Close)

	// STEP 3: live state, connections and authority
	repo := state.NewRepository(kv, state.WithTTL(cfg.Store.TTL), state.WithLogger(logger))
	wsMetrics := websocket.NewMetrics(promRegistry)
	registry := websocket.NewRegistry(wsMetrics, logger)
	authority := auth.NewHostAuthority(repo, dbManager, cfg.Auth.HostGrantTTL, logger)

	var verifier interfaces.IdentityVerifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential verifier: %w", err)
		}
		verifier = jwtVerifier
	} else {
		logger.Warn("no JWT secret configured; only anonymous connections are accepted")
	}

	// STEP 4: event dispatch and background work
	dispatcher := router.NewDispatcher(repo, registry, authority,
		router.WithDirectory(dbManager),
		router.WithMessageStore(dbManager),
		router.WithRateLimiter(router.NewRateLimiter(cfg.Router.RateLimit, cfg.Router.RateWindow)),
		router.WithMetrics(router.NewMetrics(promRegistry)),
		router.WithLogger(logger),
	)

	cleanupHub := hub.NewHub(dispatcher, hub.Config{
		QueueSize:      cfg.Hub.QueueSize,
		Workers:        cfg.Hub.Workers,
		CleanupTimeout: cfg.Hub.CleanupTimeout,
	}, hub.NewMetrics(promRegistry), logger)
	if err := scheduleMaintenance(cleanupHub, cfg, memory, dispatcher.RateLimiter(), dbManager, logger); err != nil {
		return nil, err
	}

	// STEP 5: session lifecycle, restoring sessions that were live
	sessions := session.NewManager(dbManager, repo, authority, registry, logger)
	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sessions.LoadActiveSessions(loadCtx); err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 6: transports
	gateway := websocket.NewHandler(registry, verifier, dispatcher, cleanupHub, wsMetrics, websocket.HandlerConfig{
		Connection: websocket.ConnectionConfig{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		},
		IdleTimeout:    cfg.WebSocket.IdleTimeout,
		MaxFrameBytes:  cfg.WebSocket.MaxFrameBytes,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger)

	apiServer := api.NewServer(sessions, repo, dbManager, registry, api.Config{
		AdminKey:   cfg.API.AdminKey,
		CORSOrigin: cfg.API.CORSOrigin,
		Metrics:    promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Checks: map[string]api.HealthCheck{
			"store":    kv.Ping,
			"database": dbManager.HealthCheck,
		},
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.Handle("/ws", gateway)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		store:      kv,
		dbManager:  dbManager,
		registry:   registry,
		cleanupHub: cleanupHub,
		gateway:    gateway,
		sessions:   sessions,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger, metrics *store.Metrics) (interfaces.Store, *store.MemoryStore, error) {
	if cfg.Backend != config.StoreRedis {
		memory := store.NewMemoryStore(store.WithMetrics(metrics))
		return memory, memory, nil
	}

	redisStore := store.NewRedisStore(store.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Timeout:   cfg.Redis.Timeout,
	}, logger, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisStore.Ping(ctx); err != nil {
		_ = redisStore.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}
	return redisStore, nil, nil
}

func openDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*database.Manager, error) {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Path
	dbConfig.MaxConnections = cfg.MaxConnections
	dbConfig.BusyTimeout = cfg.BusyTimeout
	dbConfig.MigrationsPath = cfg.MigrationsPath

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB(), dbConfig.MigrationsPath).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	logger.Info("database ready", "path", cfg.Path)
	return dbManager, nil
}

// scheduleMaintenance registers the janitor tasks the hub runs
func scheduleMaintenance(h *hub.Hub, cfg *config.Config, memory *store.MemoryStore, limiter *router.RateLimiter, db *database.Manager, logger *slog.Logger) error {
	if memory != nil {
		if err := h.Every("store_sweep", cfg.Store.SweepInterval, func(ctx context.Context) {
			if n := memory.Sweep(); n > 0 {
				logger.Debug("expired keys swept", "count", n)
			}
		}); err != nil {
			return err
		}
	}
	if err := h.Every("rate_limiter_cleanup", cfg.Hub.MaintenanceInterval, func(ctx context.Context) {
		limiter.Cleanup()
	}); err != nil {
		return err
	}
	return h.Every("host_grant_purge", cfg.Hub.MaintenanceInterval, func(ctx context.Context) {
		n, err := db.PurgeExpiredGrants(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("expired host grants not purged", "error", err)
			return
		}
		if n > 0 {
			logger.Info("expired host grants purged", "count", n)
		}
	})
}

// Start begins serving. The hub starts first so disconnect cleanup is ready
// before the first connection arrives.
func (app *Application) Start(ctx context.Context) error {
	if err := app.cleanupHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.cleanupHub.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info("sanctuary started", "addr", listener.Addr().String())
	return nil
}

// Err reports a fatal serving error
func (app *Application) Err() <-chan error {
	return app.serveErr
}

// Addr returns the bound address once started, the configured one before
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Stop shuts down in reverse dependency order: HTTP → Gateway → Hub →
// Registry → Database, Store. Every step runs; the errors are joined.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := app.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := app.cleanupHub.Stop(ctx); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	app.registry.CloseAll()

	var g errgroup.Group
	g.Go(func() error {
		if err := app.dbManager.Close(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := app.store.Close(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Error("shutdown incomplete", "error", err)
		return err
	}
	app.logger.Info("shutdown complete")
	return nil
}
