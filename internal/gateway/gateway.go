// ABOUTME: Gateway orchestrator for the dispatch hub: HTTP surface, agent sockets, background loops
// ABOUTME: Owns the kv store, task store, migration engine, agent manager and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/breaker"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/kv"
	"github.com/2389/coven-dispatch/internal/migration"
	"github.com/2389/coven-dispatch/internal/task"
)

// Breaker names registered by the gateway.
const (
	BreakerStore     = "store"
	BreakerMigration = "migration-store"
)

// Gateway orchestrates the dispatch hub components.
type Gateway struct {
	config       *config.Config
	agentManager *agent.Manager
	router       *agent.Router
	backend      kv.Store
	store        *kv.Guarded
	tasks        *task.Store
	migration    *migration.Engine
	breakers     *breaker.Registry
	dedupe       *dedupe.Cache
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
	now          func() time.Time

	// serverID identifies this hub instance
	serverID string

	// kick wakes the dispatch loop early
	kick chan struct{}

	socketsMu sync.Mutex
	sockets   map[*agent.Connection]*agentSocket

	closeOnce sync.Once
}

// initStore opens the kv backend named by config and environment.
func initStore(cfg *config.Config) (*kv.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DISPATCH_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := kv.NewSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createVerifier returns nil when no secret is configured, which disables auth.
func createVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("bearer token auth enabled")
	return v, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	backend, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newWithBackend(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return gw, nil
}

// newWithBackend wires a Gateway over an already opened kv backend. The
// Gateway takes ownership of backend and closes it on Shutdown.
func newWithBackend(cfg *config.Config, backend kv.Store, logger *slog.Logger) (*Gateway, error) {
	verifier, err := createVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		IsFailure:        kv.IsStoreFailure,
	})
	guarded := kv.Wrap(backend, breakers.Get(BreakerStore))

	tasks := task.NewStore(guarded, task.Options{
		TaskTTL:  cfg.Queue.TaskTTL,
		LeaseTTL: cfg.Queue.LeaseTTL,
		Logger:   logger.With("component", "task-store"),
	})
	engine := migration.New(
		kv.Wrap(backend, breakers.Get(BreakerMigration)),
		migration.Options{TaskTTL: cfg.Migration.TaskTTL, MinLeaseTTL: cfg.Migration.MinLeaseTTL},
		logger.With("component", "migration"),
	)

	gw := &Gateway{
		config:       cfg,
		agentManager: agent.NewManager(logger.With("component", "agent-manager")),
		router:       agent.NewRouter(),
		backend:      backend,
		store:        guarded,
		tasks:        tasks,
		migration:    engine,
		breakers:     breakers,
		dedupe:       dedupe.New(dedupe.Options{TTL: 2 * cfg.Queue.LeaseTTL, MaxSize: 100_000}),
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		now:          time.Now,
		serverID:     generateServerID(),
		kick:         make(chan struct{}, 1),
		sockets:      make(map[*agent.Connection]*agentSocket),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. Health endpoints are open; everything else
// requires a bearer token when auth is enabled.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("GET /agent/connect", authMiddleware(http.HandlerFunc(g.handleAgentConnect)))

	mux.Handle("GET /api/agents", authMiddleware(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("POST /api/agents/{id}/status-request", authMiddleware(http.HandlerFunc(g.handleStatusRequest)))
	mux.Handle("GET /api/tasks", authMiddleware(http.HandlerFunc(g.handleListTasks)))
	mux.Handle("POST /api/tasks", authMiddleware(http.HandlerFunc(g.handleCreateTask)))
	mux.Handle("GET /api/tasks/{id}", authMiddleware(http.HandlerFunc(g.handleGetTask)))
	mux.Handle("POST /api/tasks/{id}/cancel", authMiddleware(http.HandlerFunc(g.handleCancelTask)))
	mux.Handle("GET /api/breakers", authMiddleware(http.HandlerFunc(g.handleBreakers)))

	migrationHandler := migration.NewHandler(g.migration, g.logger)
	mux.Handle("/api/migration/", authMiddleware(http.StripPrefix("/api/migration", migrationHandler)))

	return mux
}

// Handler returns the hub's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Tasks returns the task store.
func (g *Gateway) Tasks() *task.Store {
	return g.tasks
}

// Agents returns the agent manager.
func (g *Gateway) Agents() *agent.Manager {
	return g.agentManager
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and background loops and blocks until the
// context is canceled. Returns nil on graceful shutdown, or the first error
// from a failing component.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		g.RunLoops(gctx)
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// RunLoops runs the dispatch, reap and ping loops until ctx is done.
func (g *Gateway) RunLoops(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		g.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		g.every(ctx, g.config.Queue.ReapInterval, g.reapOnce)
	}()
	go func() {
		defer wg.Done()
		g.every(ctx, g.config.Queue.PingInterval, g.pingOnce)
	}()
	wg.Wait()
}

// every calls fn on each tick until ctx is done.
func (g *Gateway) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-dispatch", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on :80 of the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects agents and releases resources.
// It is safe to call more than once; later calls are no-ops.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		// Hijacked websockets are not tracked by http.Server.
		g.closeAllSockets()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.backend.Close())

		g.dedupe.Close()
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected and the
// store circuit is not open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.store.Breaker().State() == breaker.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store circuit open"))
		return
	}
	count := g.agentManager.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}

// generateServerID creates a unique identifier for this hub instance.
func generateServerID() string {
	return "dispatch-hub-" + uuid.NewString()[:8]
}
