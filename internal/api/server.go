package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"options-signal-engine/internal/database"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/monitor"
	"options-signal-engine/internal/pipeline"
	"options-signal-engine/internal/position"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	ProductionMode bool   `json:"production_mode"`
	// WebhookSecret guards the signal intake endpoints. Senders pass it in
	// the X-Webhook-Secret header or a "secret" payload field (TradingView
	// cannot set headers). Empty disables the check.
	WebhookSecret   string        `json:"webhook_secret"`
	RateLimit       int           `json:"rate_limit"`
	RateLimitWindow time.Duration `json:"rate_limit_window"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	eventBus    *events.EventBus
	pipeline    *pipeline.Pipeline
	positions   *position.Manager
	monitor     *monitor.ExitMonitor
	updater     marketdata.ContextUpdater // may be nil
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	repo *database.Repository,
	eventBus *events.EventBus,
	p *pipeline.Pipeline,
	positions *position.Manager,
	exitMonitor *monitor.ExitMonitor,
	updater marketdata.ContextUpdater,
	logger *logging.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Webhook-Secret"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	limit := config.RateLimit
	if limit <= 0 {
		limit = 120
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	server := &Server{
		router:      router,
		repo:        repo,
		eventBus:    eventBus,
		pipeline:    p,
		positions:   positions,
		monitor:     exitMonitor,
		updater:     updater,
		config:      config,
		rateLimiter: NewRateLimiter(limit, window),
		logger:      logger.WithComponent("api"),
	}

	server.setupRoutes()

	InitWebSocket(eventBus)

	return server
}

// rateLimitMiddleware rate limits requests by endpoint
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// webhookAuthMiddleware checks the shared webhook secret. The payload-field
// fallback is read without consuming the request body.
func (s *Server) webhookAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.WebhookSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Webhook-Secret") == s.config.WebhookSecret {
			c.Next()
			return
		}

		raw, ok := readPayload(c)
		if ok {
			if secret, _ := raw["secret"].(string); secret == s.config.WebhookSecret {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook secret"})
		c.Abort()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Signal intake
	webhooks := s.router.Group("/webhook")
	webhooks.Use(s.rateLimitMiddleware())
	webhooks.Use(s.webhookAuthMiddleware())
	{
		webhooks.POST("/tradingview", s.handleTradingViewWebhook)
		webhooks.POST("/signal", s.handleSignalWebhook)
		webhooks.POST("/signals/batch", s.handleSignalBatch)
		webhooks.POST("/context", s.handleContextUpdate)
	}

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		// Position endpoints
		api.GET("/positions", s.handleGetPositions)
		api.GET("/positions/:id", s.handleGetPosition)
		api.POST("/positions/:id/close", s.handleClosePosition)

		// Pipeline observability
		api.GET("/stats", s.handleGetStats)
		api.GET("/failures/:tracking_id", s.handleGetFailures)

		// Exit monitor
		api.GET("/monitor/stats", s.handleGetMonitorStats)
		api.POST("/monitor/sweep", s.handleTriggerSweep)
	}

	// WebSocket endpoint for real-time events
	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
