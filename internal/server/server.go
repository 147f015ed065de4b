// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/chainsettle/chainsettle/internal/admin"
	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/config"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/gas"
	"github.com/chainsettle/chainsettle/internal/health"
	"github.com/chainsettle/chainsettle/internal/logging"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/planner"
	"github.com/chainsettle/chainsettle/internal/ratelimit"
	"github.com/chainsettle/chainsettle/internal/realtime"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
	"github.com/chainsettle/chainsettle/internal/security"
	"github.com/chainsettle/chainsettle/internal/settlement"
	"github.com/chainsettle/chainsettle/internal/traces"
	"github.com/chainsettle/chainsettle/internal/units"
	"github.com/chainsettle/chainsettle/internal/validation"
	"github.com/chainsettle/chainsettle/internal/webhooks"
	"github.com/chainsettle/chainsettle/migrations"
)

// Version is reported by /health and attached to traces.
const Version = "0.1.0"

// eventLog is an audit event sink that can also be read back.
type eventLog interface {
	events.Publisher
	events.Lister
}

// settlementStore is a settlement store that also records audit refs.
type settlementStore interface {
	settlement.Store
	settlement.AuditSink
}

// Server wraps the HTTP server and its dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server
	db      *sql.DB
	redis   *redis.Client

	chains       *chain.Registry
	evmAdapters  map[string]*chain.EVMAdapter
	extraAdapter []chain.Adapter
	health       *health.Registry

	authMgr      *auth.Manager
	eventLog     eventLog
	kafka        *events.KafkaPublisher
	escrowSvc    *escrow.Service
	escrowTimer  *escrow.Timer
	coordinator  *settlement.Coordinator
	settleTimer  *settlement.Timer
	auditTrail   *settlement.AuditTrail
	gasEstimator *gas.Estimator
	planner      *planner.Planner
	reconciler   *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	stream       *realtime.Hub

	shutdownTracer func(context.Context) error
	cancelRunCtx   context.CancelFunc
	drainDelay     time.Duration

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainAdapter registers an adapter ahead of the configured chains. A
// configured chain with the same name is skipped.
func WithChainAdapter(a chain.Adapter) Option {
	return func(s *Server) {
		s.extraAdapter = append(s.extraAdapter, a)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		logger:      logging.New(cfg.LogLevel, cfg.LogFormat),
		evmAdapters: make(map[string]*chain.EVMAdapter),
		health:      health.NewRegistry(),
		drainDelay:  5 * time.Second,
	}

	// Apply options first (may set logger/adapters)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.shutdownTracer = shutdown

	if err := s.checkOutboundURLs(ctx); err != nil {
		return nil, err
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}
		s.health.Register("database", health.PingCheck("database", db.PingContext))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			// The locker falls back to status CAS while Redis is down.
			s.logger.Warn("redis unreachable at startup", "error", err)
		}
		s.health.RegisterOptional("redis", health.PingCheck("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}

	if err := s.setupChains(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.setupServices(); err != nil {
		s.closeResources()
		return nil, err
	}

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// checkOutboundURLs refuses internal collaborator endpoints in production.
func (s *Server) checkOutboundURLs(ctx context.Context) error {
	if !s.cfg.IsProduction() {
		return nil
	}
	for name, raw := range map[string]string{
		"PAYOUT_API_URL": s.cfg.PayoutAPIURL,
		"RATES_API_URL":  s.cfg.RatesAPIURL,
	} {
		if raw == "" {
			continue
		}
		if err := security.ValidateOutboundURL(ctx, net.DefaultResolver, raw, true); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// tokenDecimals is the display precision for API amounts. All chains settle
// the same stablecoin, so the first chain decides.
func tokenDecimals(cfg *config.Config) int {
	for _, cc := range cfg.Chains {
		if cc.TokenDecimals > 0 {
			return cc.TokenDecimals
		}
	}
	return units.USDCDecimals
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	if len(origins) > 0 {
		s.router.Use(security.CORSMiddleware(origins))
	}

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// API key identification; routes decide whether a key is required.
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting keys on the actor, so it runs after auth.
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
				"actor", auth.Actor(c),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes are too chatty for info
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	decimals := tokenDecimals(s.cfg)
	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Public reads
	escrowHandler := escrow.NewHandler(s.escrowSvc, decimals)
	escrowHandler.RegisterRoutes(v1)
	gas.NewHandler(s.gasEstimator).RegisterRoutes(v1)

	// Everything else needs an API key
	protected := v1.Group("", auth.RequireAuth())
	auth.NewHandler(s.authMgr).RegisterRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	settlement.NewHandler(s.coordinator, decimals).RegisterProtectedRoutes(protected)
	planner.NewHandler(s.planner, decimals).RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore, s.webhookURLValidator()).RegisterProtectedRoutes(protected)
	protected.GET("/events/:entityId", auth.RequireRole(auth.RoleOperator), s.listEventsHandler)
	protected.GET("/stream", auth.RequireRole(auth.RoleOperator), s.streamHandler)
	protected.GET("/stream/stats", auth.RequireRole(auth.RoleOperator), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stream": s.stream.Stats()})
	})

	admin.NewHandler().
		WithReconciler(s.reconciler).
		WithLastReport(s.reconTimer).
		WithEscrowSweeper(s.escrowTimer).
		WithChains(s.chains).
		RegisterRoutes(protected)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such endpoint"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler fails while starting or draining, or when a critical
// dependency is down. Optional checks (single chains, Redis) never fail it.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":             "chainsettle",
		"version":          Version,
		"chains":           s.chains.Chains(),
		"platformFeeBps":   s.cfg.PlatformFeeBps,
		"settlementFeeBps": s.cfg.SettlementFeeBps,
		"disputePeriod":    s.cfg.DisputePeriod.String(),
		"autoSettle":       s.cfg.AutoSettle,
	})
}

// listEventsHandler handles GET /v1/events/:entityId
func (s *Server) listEventsHandler(c *gin.Context) {
	evs, err := s.eventLog.List(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list events", "entityId", c.Param("entityId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// streamHandler handles GET /v1/stream. Query parameters seed the filter;
// clients can replace it later by sending a JSON filter frame.
func (s *Server) streamHandler(c *gin.Context) {
	f := realtime.Filter{
		Kinds:     splitList(c.Query("kind")),
		Chains:    splitList(c.Query("chain")),
		EntityIDs: splitList(c.Query("entityId")),
		Statuses:  splitList(c.Query("status")),
	}
	s.stream.HandleWebSocket(c.Writer, c.Request, f)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines stop when Shutdown cancels this context.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"chains", s.chains.Chains(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
		s.closeResources()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.auditTrail.Start(ctx)
	go s.escrowTimer.Start(ctx)
	go s.settleTimer.Start(ctx)
	go s.reconTimer.Start(ctx)
	go s.stream.Run(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.escrowTimer.Stop()
	s.settleTimer.Stop()
	s.reconTimer.Stop()
	// Drains queued audit records before returning.
	s.auditTrail.Stop()
	s.webhooks.Wait()
	s.logger.Info("background workers stopped")
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopBackground()
	s.closeResources()

	if err := s.shutdownTracer(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeChains()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
