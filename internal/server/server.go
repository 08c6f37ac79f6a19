// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/pointledger/internal/admin"
	"github.com/mbd888/pointledger/internal/auth"
	"github.com/mbd888/pointledger/internal/circuitbreaker"
	"github.com/mbd888/pointledger/internal/config"
	"github.com/mbd888/pointledger/internal/database"
	"github.com/mbd888/pointledger/internal/generation"
	"github.com/mbd888/pointledger/internal/health"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/logging"
	"github.com/mbd888/pointledger/internal/metrics"
	"github.com/mbd888/pointledger/internal/payments"
	"github.com/mbd888/pointledger/internal/ratelimit"
	"github.com/mbd888/pointledger/internal/realtime"
	"github.com/mbd888/pointledger/internal/reconciliation"
	"github.com/mbd888/pointledger/internal/security"
	"github.com/mbd888/pointledger/internal/spend"
	"github.com/mbd888/pointledger/internal/traces"
	"github.com/mbd888/pointledger/internal/validation"
	"github.com/mbd888/pointledger/internal/webhooks"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is reported on /health.
const Version = "0.1.0"

const (
	tokenTTL   = 24 * time.Hour
	drainDelay = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *database.DB // nil if using in-memory
	unregisterDB func()
	authMgr      *auth.Manager
	ledger       *ledger.Ledger
	catalog      *spend.Catalog
	coordinator  *spend.Coordinator
	gateway      payments.Gateway
	confirmer    *payments.Confirmer // nil when payments are disabled
	adminService *admin.Service
	alerts       reconciliation.AlertStore
	reconciler   *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets the payment gateway, enabling payments without a Stripe
// key (for testing).
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithCatalog sets the paid action catalog (for testing). Generation
// actions are still registered into it when GENERATION_URL is set.
func WithCatalog(c *spend.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	stores, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Ledger: every balance change is pushed to connected clients.
	s.ledger = ledger.New(stores.ledger, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.ledger.SetNotifier(s.realtimeHub)

	// Paid actions
	if s.catalog == nil {
		s.catalog = spend.NewCatalog()
	}
	if cfg.GenerationURL != "" {
		if err := security.ValidateEndpointURL(cfg.GenerationURL, !cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("GENERATION_URL: %w", err)
		}
		generation.RegisterActions(s.catalog, generation.NewClient(cfg.GenerationURL), cfg.GenerationActions)
		s.logger.Info("generation actions enabled", "url", cfg.GenerationURL, "actions", len(cfg.GenerationActions))
	} else if len(s.catalog.List()) == 0 {
		s.logger.Warn("no GENERATION_URL set; paid actions are unavailable")
	}

	spendCfg := spend.DefaultConfig()
	spendCfg.ActionTimeout = cfg.SpendActionTimeout
	spendCfg.StaleAfter = cfg.SpendStaleAfter
	spendCfg.Refund.MaxAttempts = cfg.RefundMaxAttempts
	s.coordinator = spend.NewCoordinator(s.ledger, stores.spends, spendCfg, s.logger)

	// Payments
	if s.gateway == nil && cfg.PaymentsEnabled() {
		s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, nil)
	}
	if s.gateway != nil {
		s.confirmer = payments.NewConfirmer(stores.payments, s.ledger, s.gateway,
			circuitbreaker.New(5, 30*time.Second),
			payments.Config{
				Currency:       cfg.PaymentCurrency,
				Packages:       toPaymentPackages(cfg.Packages),
				GatewayTimeout: cfg.GatewayTimeout,
			}, s.logger)
		s.logger.Info("payments enabled", "currency", cfg.PaymentCurrency, "packages", len(cfg.Packages))
	} else {
		s.logger.Warn("no STRIPE_SECRET_KEY set; payments are disabled")
	}

	// Reconciliation
	s.alerts = stores.alerts
	s.reconciler = reconciliation.NewRunner(s.ledger, s.alerts, s.logger).WithSpendSweeper(s.coordinator)
	if s.confirmer != nil {
		s.reconciler.WithPaymentRecoverer(s.confirmer)
	}
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL, !cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
		s.reconciler.WithAlertSink(webhooks.NewPoster(cfg.AlertWebhookURL, cfg.AlertWebhookSecret))
	}
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.adminService = admin.NewService(s.ledger, s.logger)
	s.authMgr = auth.NewManager(cfg.JWTSecret, tokenTTL)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

type storeSet struct {
	ledger   ledger.Store
	spends   spend.Store
	payments payments.Store
	alerts   reconciliation.AlertStore
}

// openStores picks the storage backend from DATABASE_DRIVER. Both SQL
// dialects run the embedded migrations on open.
func (s *Server) openStores(ctx context.Context) (*storeSet, error) {
	var (
		db  *database.DB
		err error
	)
	switch s.cfg.DatabaseDriver {
	case config.DriverMemory:
		s.logger.Warn("using in-memory storage; balances are lost on restart")
		return &storeSet{
			ledger:   ledger.NewMemoryStore(),
			spends:   spend.NewMemoryStore(),
			payments: payments.NewMemoryStore(),
			alerts:   reconciliation.NewMemoryAlertStore(),
		}, nil
	case config.DriverSQLite:
		db, err = database.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)
	case config.DriverPostgres:
		db, err = database.OpenPostgres(ctx, s.cfg.DatabaseURL, database.Options{
			MaxOpenConns: s.cfg.DBMaxOpenConns,
			MaxIdleConns: s.cfg.DBMaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	default:
		return nil, fmt.Errorf("unknown database driver %q", s.cfg.DatabaseDriver)
	}

	s.db = db
	unregister, err := metrics.RegisterDB(prometheus.DefaultRegisterer, db.DB, string(s.cfg.DatabaseDriver))
	if err != nil {
		s.logger.Warn("database pool metrics not exported", "error", err)
	}
	s.unregisterDB = unregister
	return &storeSet{
		ledger:   ledger.NewSQLStore(db),
		spends:   spend.NewSQLStore(db),
		payments: payments.NewSQLStore(db),
		alerts:   reconciliation.NewSQLAlertStore(db),
	}, nil
}

func toPaymentPackages(in []config.PointPackage) []payments.Package {
	out := make([]payments.Package, 0, len(in))
	for _, p := range in {
		out = append(out, payments.Package{ID: p.ID, Amount: p.Amount, Points: p.Points})
	}
	return out
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
// Health
// -----------------------------------------------------------------------------

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("server", health.Running("server", s.ready.Load))
	if s.db != nil {
		s.health.Register("database", health.DB("database", s.db))
	}
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconTimer.Running))
	if s.confirmer != nil {
		s.health.RegisterOptional("payment_gateway", func(context.Context) health.Status {
			state := s.confirmer.GatewayState()
			return health.Status{
				Name:    "payment_gateway",
				Healthy: state != circuitbreaker.StateOpen,
				Detail:  "breaker " + state.String(),
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Token verification only; routes opt into RequireAuth/RequireAdmin.
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if id := auth.UserID(c); id != "" {
			attrs = append(attrs, "caller", id)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Ops
	s.router.GET("/health", s.health.Report(Version))
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.health.Ready)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", auth.RequireAuth(), s.realtimeHub.Handler())

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	spendHandler := spend.NewHandler(s.coordinator, s.catalog, s.logger)
	adminHandler := admin.NewHandler(s.adminService, s.ledger, s.cfg.SignupGrant, s.logger).
		WithReconciler(s.reconciler).
		WithAlerts(s.alerts)

	var paymentsHandler *payments.Handler
	if s.confirmer != nil {
		paymentsHandler = payments.NewHandler(s.confirmer, s.cfg.StripeWebhookSecret, s.logger)
		adminHandler.WithPaymentRefunder(s.confirmer)
	}

	// Public: the gateway redirect and webhook carry no bearer token and
	// are not rate limited by IP.
	public := s.router.Group("/v1", validation.IDParamMiddleware("orderId"))
	spendHandler.RegisterPublicRoutes(public)
	if paymentsHandler != nil {
		paymentsHandler.RegisterPublicRoutes(public)
	}

	v1 := s.router.Group("/v1",
		auth.RequireAuth(),
		s.rateLimiter.Middleware(),
		validation.IDParamMiddleware("userId", "orderId", "key"),
	)

	users := v1.Group("", auth.RequireSelfOrAdmin("userId"))
	ledgerHandler.RegisterRoutes(users)
	spendHandler.RegisterRoutes(users)
	if paymentsHandler != nil {
		paymentsHandler.RegisterRoutes(v1)
		paymentsHandler.RegisterUserRoutes(users)
	}

	adminGroup := v1.Group("/admin", auth.RequireAdmin())
	adminHandler.RegisterRoutes(adminGroup)
	spendHandler.RegisterAdminRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Spends hold the request open for the whole action.
		WriteTimeout: s.cfg.SpendActionTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"driver", s.cfg.DatabaseDriver,
			"payments", s.confirmer != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.reconTimer.Start(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight spends finish before the
// listener closes; anything cut off is settled by the next sweep.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to see the failing readiness probe.
		time.Sleep(drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SpendActionTimeout+5*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
		cancel()
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconTimer.Stop()
	s.rateLimiter.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stopTracing(flushCtx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.db != nil {
		s.unregisterDB()
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager returns the token manager, used by tests and tooling to mint
// tokens.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
