// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/wctlabs/wikirewards/internal/config"
	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/demand"
	"github.com/wctlabs/wikirewards/internal/health"
	"github.com/wctlabs/wikirewards/internal/idgen"
	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/ratelimit"
	"github.com/wctlabs/wikirewards/internal/reconciliation"
	"github.com/wctlabs/wikirewards/internal/reputation"
	"github.com/wctlabs/wikirewards/internal/rewards"
	"github.com/wctlabs/wikirewards/internal/scoring"
	"github.com/wctlabs/wikirewards/internal/security"
	"github.com/wctlabs/wikirewards/internal/tokens"
	"github.com/wctlabs/wikirewards/internal/traces"
	"github.com/wctlabs/wikirewards/internal/validation"
	"github.com/wctlabs/wikirewards/internal/watcher"
	"github.com/wctlabs/wikirewards/migrations"
)

// drainDelay gives load balancers time to stop routing before the listener closes.
var drainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	ledger ledger.Ledger

	contributions *contributions.Service
	rewards       *rewards.Service
	reputation    *reputation.Updater
	demand        *demand.Updater
	reconciler    *reconciliation.Service

	reputationWorker *reputation.Worker
	demandWorker     *demand.Worker
	scheduler        *rewards.Scheduler
	reconcileTimer   *reconciliation.Timer
	treasuryWatcher  *watcher.Watcher

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger sets a custom ledger (for testing)
func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg: cfg,
		logger: logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{
			Path: cfg.LogFile,
		}),
		health: health.NewRegistry(),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		contribStore  contributions.Store
		rewardsStore  rewards.Store
		reputationSrc reputation.Store
		demandSrc     demand.Store
		eventSource   rewards.EventSource
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		pg := contributions.NewPostgresStore(db)
		contribStore, reputationSrc, demandSrc, eventSource = pg, pg, pg, pg
		rewardsStore = rewards.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
	} else {
		mem := contributions.NewMemoryStore()
		contribStore, reputationSrc, demandSrc, eventSource = mem, mem, mem, mem
		rewardsStore = rewards.NewMemoryStore(rewards.WithTokenCrediter(mem))
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.ledger == nil {
		l, err := newLedger(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.ledger = l
	}
	s.logger.Info("ledger configured", "mode", cfg.LedgerMode, "treasury", s.ledger.Treasury())
	s.health.Register("ledger", health.Ledger(s.ledger))

	policy := scoring.DefaultPolicy()
	if cfg.RewardPolicyFile != "" {
		policy, err = scoring.LoadPolicy(cfg.RewardPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load reward policy: %w", err)
		}
		s.logger.Info("reward policy loaded", "path", cfg.RewardPolicyFile)
	}
	scorer := scoring.NewScorer(policy, rand.NewPCG(rand.Uint64(), rand.Uint64()))

	s.contributions = contributions.NewService(contribStore, scorer, s.logger)
	s.reputation = reputation.NewUpdater(reputationSrc, cfg.ReputationHistory, s.logger)
	s.demand = demand.NewUpdater(demandSrc, cfg.DemandLookback, s.logger)
	s.rewards = rewards.NewService(rewardsStore, eventSource, s.ledger, rewards.Params{
		PoolTokens:     cfg.PoolTokens,
		MinPayout:      cfg.MinPayout,
		TransferDelay:  cfg.TransferDelay,
		ConfirmTimeout: cfg.ConfirmTimeout,
		ConfirmPoll:    cfg.ConfirmPoll,
	}, s.logger)

	s.reputationWorker = reputation.NewWorker(s.reputation, cfg.ReputationEvery, s.logger)
	s.demandWorker = demand.NewWorker(s.demand, cfg.DemandEvery, s.logger)
	if cfg.ScheduleEnabled {
		s.scheduler = rewards.NewScheduler(s.rewards, cfg.Window, cfg.ScheduleInterval, s.logger)
	}
	s.reconciler = reconciliation.NewService(rewardsStore, s.ledger, cfg.ReconcileLookback, s.logger)
	if cfg.ReconcileEvery > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileEvery, s.logger)
	}
	if cfg.TreasuryWatch > 0 {
		s.treasuryWatcher = watcher.New(watcher.Config{
			PollInterval: cfg.TreasuryWatch,
			PoolTokens:   cfg.PoolTokens,
		}, s.ledger, s.logger)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newLedger(cfg *config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.LedgerMode {
	case config.LedgerModeERC20:
		l, err := ledger.NewERC20(ledger.ERC20Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.TreasuryPrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
			Decimals:      cfg.TokenDecimals,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ERC-20 ledger: %w", err)
		}
		return ledger.NewGuarded(l, cfg.BreakerThreshold, cfg.BreakerCooldown, logger), nil
	default:
		balance := tokens.ToBaseUnits(cfg.MemoryTreasuryTokens, cfg.TokenDecimals)
		return ledger.NewMemory(cfg.TokenDecimals, balance), nil
	}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
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
	s.router.GET("/health", s.health.Handler)
	s.router.GET("/health/live", s.health.LiveHandler)
	s.router.GET("/health/ready", s.health.ReadyHandler)
	s.router.GET("/metrics", metrics.Handler())

	contribHandler := contributions.NewHandler(s.contributions)
	rewardsHandler := rewards.NewHandler(s.rewards)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.GET("/info", s.infoHandler)
	contribHandler.RegisterRoutes(v1)
	rewardsHandler.RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	contribHandler.RegisterProtectedRoutes(admin)
	rewardsHandler.RegisterProtectedRoutes(admin)
	reputation.NewHandler(s.reputation).RegisterProtectedRoutes(admin)
	demand.NewHandler(s.demand).RegisterProtectedRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterProtectedRoutes(admin)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set; write endpoints are unauthenticated")
	}
}

func (s *Server) infoHandler(c *gin.Context) {
	params := s.rewards.Params()
	resp := gin.H{
		"name":      "wikirewards",
		"token":     "WCT",
		"decimals":  s.ledger.Decimals(),
		"ledger":    s.cfg.LedgerMode,
		"treasury":  s.ledger.Treasury(),
		"window":    s.cfg.Window.String(),
		"scheduled": s.scheduler != nil,
		"params":    params,
	}
	if s.treasuryWatcher != nil {
		if st := s.treasuryWatcher.Last(); st != nil {
			resp["treasuryBalance"] = tokens.Format(st.Balance, s.ledger.Decimals())
			resp["treasuryLow"] = st.Low
		}
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reputationWorker.Start(runCtx)
	go s.demandWorker.Start(runCtx)
	if s.scheduler != nil {
		go s.scheduler.Start(runCtx)
	}
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}
	if s.treasuryWatcher != nil {
		s.treasuryWatcher.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.health.SetReady(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Workers observe their own stop channel; cancelling runCtx also
	// interrupts an in-flight distribution, which resumes on next start.
	s.reputationWorker.Stop()
	s.demandWorker.Stop()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	if s.treasuryWatcher != nil {
		s.treasuryWatcher.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.closeResources(ctx)

	s.logger.Info("server stopped")
	return shutdownErr
}

// Close releases the server's resources without serving. Commands that only
// use the services call it instead of Shutdown.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeResources(ctx)
}

func (s *Server) closeResources(ctx context.Context) {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if closer, ok := s.ledger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("ledger close error", "error", err)
		}
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

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

// Rewards returns the distribution service.
func (s *Server) Rewards() *rewards.Service {
	return s.rewards
}

// Contributions returns the contribution service.
func (s *Server) Contributions() *contributions.Service {
	return s.contributions
}
