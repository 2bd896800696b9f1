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
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/trustmarket/internal/blobstore"
	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/circuitbreaker"
	"github.com/mbd888/trustmarket/internal/config"
	"github.com/mbd888/trustmarket/internal/escrow"
	"github.com/mbd888/trustmarket/internal/health"
	"github.com/mbd888/trustmarket/internal/identity"
	"github.com/mbd888/trustmarket/internal/listings"
	"github.com/mbd888/trustmarket/internal/logging"
	"github.com/mbd888/trustmarket/internal/metrics"
	"github.com/mbd888/trustmarket/internal/negotiation"
	"github.com/mbd888/trustmarket/internal/profiles"
	"github.com/mbd888/trustmarket/internal/ratelimit"
	"github.com/mbd888/trustmarket/internal/realtime"
	"github.com/mbd888/trustmarket/internal/reconciliation"
	"github.com/mbd888/trustmarket/internal/retry"
	"github.com/mbd888/trustmarket/internal/security"
	"github.com/mbd888/trustmarket/internal/traces"
	"github.com/mbd888/trustmarket/internal/validation"
)

const (
	apiPrefix = "/v1"

	// blobPrefix serves in-memory blobs in development.
	blobPrefix = "/blobs"

	dbStatsInterval = 15 * time.Second

	blobBreakerThreshold = 5
	blobBreakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db        *sql.DB // nil if using in-memory
	chatStore chat.Store
	blobs     blobstore.Store
	memBlobs  *blobstore.MemoryStore // non-nil when blobs are kept in memory

	chats       *chat.Service
	engine      *negotiation.Engine
	escrow      *escrow.Controller
	listings    *listings.Service
	profiles    *profiles.Service
	hub         *realtime.Hub
	listener    *realtime.PGListener // nil without a database
	reconciler  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	verifier    *identity.Verifier
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.hub = realtime.NewHub(s.logger)

	var (
		listingStore listings.Store
		profileStore profiles.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.chatStore = chat.NewPostgresStore(db)
		listingStore = listings.NewPostgresStore(db)
		profileStore = profiles.NewPostgresStore(db)
		// Inserts from every instance arrive through LISTEN/NOTIFY.
		s.listener = realtime.NewPGListener(cfg.DatabaseURL, s.hub, s.logger)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.chatStore = chat.NewMemoryStore().OnInsert(s.hub.PublishInsert)
		listingStore = listings.NewMemoryStore()
		profileStore = profiles.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.blobs == nil {
		if cfg.BlobBucket != "" {
			store, err := blobstore.NewS3Store(ctx, blobstore.S3Options{
				Bucket:          cfg.BlobBucket,
				Region:          cfg.BlobRegion,
				Endpoint:        cfg.BlobEndpoint,
				PublicBaseURL:   cfg.BlobPublicBaseURL,
				AccessKeyID:     cfg.BlobAccessKeyID,
				SecretAccessKey: cfg.BlobSecretAccessKey,
			})
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("failed to create blob store: %w", err)
			}
			breaker := circuitbreaker.New("blobs", blobBreakerThreshold, blobBreakerCooldown)
			breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
				s.logger.Warn("blob store circuit changed", "key", key, "from", from.String(), "to", to.String())
			})
			s.blobs = blobstore.NewGuarded(store, breaker)
			s.logger.Info("image uploads go to S3", "bucket", cfg.BlobBucket)
		} else {
			base := cfg.BlobPublicBaseURL
			if base == "" {
				base = blobPrefix
			}
			s.memBlobs = blobstore.NewMemoryStore(base)
			s.blobs = s.memBlobs
			s.logger.Info("image uploads kept in memory")
		}
	}

	policy := retry.Policy{MaxAttempts: cfg.StoreRetryAttempts, BaseDelay: cfg.StoreRetryBaseDelay}
	s.listings = listings.NewService(listingStore, s.logger).WithBlobs(s.blobs).WithRetry(policy)
	s.profiles = profiles.NewService(profileStore, s.logger).WithRetry(policy)
	s.chats = chat.NewService(s.chatStore, s.listings, s.logger).
		WithOrders(s.listings).
		WithNames(s.profiles).
		WithRetry(policy)
	s.engine = negotiation.NewEngine(s.chats, s.logger).WithFeed(s.hub)
	s.escrow = escrow.NewController(s.chats, s.logger).WithSettler(s.listings)

	runner := reconciliation.NewRunner(s.chatStore, s.logger).WithSettlement(s.listings).WithBatchSize(cfg.ReconcileBatchSize)
	s.reconciler = reconciliation.NewTimer(runner, cfg.ReconcileInterval, s.logger)

	s.verifier = identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         max(cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
		MutatingOnly:      true,
	})

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without it", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.listener != nil {
		s.health.Register("listener", health.Flag("listener", s.listener.Connected, "not connected to the insert channel"))
	}
	s.health.Register("realtime", health.Flag("realtime", s.hub.Running, "hub not running"))
	if p, ok := s.blobs.(health.Pinger); ok {
		s.health.Register("blobs", health.Ping("blobs", p))
	}
	s.health.Register("reconciliation", s.reconcileStatus)
	s.health.Register("ready", health.Flag("ready", s.ready.Load, "starting or shutting down"))
}

// reconcileStatus reports the last reconciliation pass. It never marks the
// service unhealthy; findings are logged and repaired by the runner.
func (s *Server) reconcileStatus(context.Context) health.Status {
	st := health.Status{Name: "reconciliation", Healthy: true, Detail: "not run yet"}
	if r := s.reconciler.LastReport(); r != nil {
		st.Detail = fmt.Sprintf("checked %d, findings %d, errors %d", r.Checked, len(r.Findings), r.Errors)
	}
	return st
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

	s.router.Use(traces.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORS(s.cfg.CORSOrigins))
	s.router.Use(bodyLimitMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())

	// Identity before rate limiting so buckets are keyed by user.
	s.router.Use(identity.Middleware(s.verifier, apiPrefix+negotiation.StreamPath))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.loggingMiddleware())
}

// bodyLimitMiddleware caps JSON bodies at validation.MaxRequestSize. Image
// uploads get the larger multipart limit.
func bodyLimitMiddleware() gin.HandlerFunc {
	jsonLimit := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	upload := validation.RequestSizeMiddleware(listings.MaxUploadRequestSize)
	return func(c *gin.Context) {
		if strings.HasSuffix(c.FullPath(), "/image") {
			upload(c)
			return
		}
		jsonLimit(c)
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
	health.NewHandler(s.health, s.version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)
	if s.memBlobs != nil && s.cfg.BlobPublicBaseURL == "" {
		s.router.GET(blobPrefix+"/*key", s.blobHandler)
	}

	listingsHandler := listings.NewHandler(s.listings)
	profilesHandler := profiles.NewHandler(s.profiles)
	chatHandler := chat.NewHandler(s.chats)
	negotiationHandler := negotiation.NewHandler(s.engine, s.logger)
	escrowHandler := escrow.NewHandler(s.escrow)

	v1 := s.router.Group(apiPrefix)
	v1.Use(validation.IDParamMiddleware())
	listingsHandler.RegisterRoutes(v1)
	profilesHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(identity.RequireAuth())
	listingsHandler.RegisterProtectedRoutes(protected)
	profilesHandler.RegisterProtectedRoutes(protected)
	chatHandler.RegisterProtectedRoutes(protected)
	negotiationHandler.RegisterProtectedRoutes(protected)
	negotiationHandler.RegisterStreamRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "trustmarket",
		"version": s.version,
		"api":     apiPrefix,
		"health":  "/health",
	})
}

// blobHandler serves in-memory images in development.
func (s *Server) blobHandler(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	obj, err := s.memBlobs.Get(key)
	if errors.Is(err, blobstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "blob not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until ctx
// is cancelled, a shutdown signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	s.startWorkers(gctx, g)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: websocket streams are long-lived.
	}
	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

// startWorkers launches the background loops. Each exits when ctx is done.
func (s *Server) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	if s.listener != nil {
		g.Go(func() error {
			if err := s.listener.Start(ctx); err != nil && ctx.Err() == nil {
				// The hub keeps serving local inserts; /health reports the gap.
				s.logger.Error("insert listener stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.reconciler.Start(ctx)
		return nil
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
			return nil
		})
	}
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

	s.reconciler.Stop()
	s.rateLimiter.Stop()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
