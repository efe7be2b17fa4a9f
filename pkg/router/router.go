package router

import (
	"net/http"

	"ai-chat-sessions/backend/internal/api"
	"ai-chat-sessions/backend/internal/ws"
	"ai-chat-sessions/backend/pkg/config"
	"ai-chat-sessions/backend/pkg/di"
	"ai-chat-sessions/backend/pkg/errors"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/middleware"
	"ai-chat-sessions/backend/web"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Version is reported by the health endpoints; set at build time
var Version = "dev"

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	Container   *di.Container
	Logger      *logger.Logger
	Config      *config.Config
	RateLimiter *middleware.RateLimiter
}

// New creates a new router with the given container and installs the
// middleware chain. Routes are added by SetupRoutes.
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)
	cfg := container.Config

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		container.Logger.LogError(err, "Invalid trusted proxies, trusting none")
		_ = engine.SetTrustedProxies(nil)
	}

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	// CORS ahead of the limiter; rejected requests still carry the headers
	engine.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	opts := middleware.DefaultRateLimiterOptions()
	opts.Limit = rate.Limit(cfg.Security.RateLimit)
	opts.Burst = cfg.Security.RateLimitBurst
	rateLimiter := middleware.NewRateLimiter(container.Logger, opts)
	engine.Use(rateLimiter.Middleware())
	engine.Use(middleware.MaxBodySize(cfg.Security.MaxBodySize))
	engine.Use(middleware.Workspace(cfg.Workspace.Default))

	r := &Router{
		Engine:      engine,
		Container:   container,
		Logger:      container.Logger,
		Config:      cfg,
		RateLimiter: rateLimiter,
	}

	if cfg.Features.OpenAPIValidation {
		r.AddOpenAPIValidation()
	}

	return r
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	sessions := api.NewSessionController(r.Container.Workspaces, r.Container.Conversation)
	sessions.RegisterRoutes(r.Engine)

	if r.Config.Features.EnableWebSockets {
		ws.NewHandler(
			r.Container.Workspaces,
			r.Container.Conversation,
			r.Config.Security.AllowedOrigins,
			r.Logger,
		).RegisterRoutes(r.Engine)
	}

	r.setupHealthRoutes()

	if handler := r.Container.Observability.MetricsHandler(); handler != nil {
		r.Engine.GET("/metrics", gin.WrapH(handler))
	}

	r.Engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", web.Index())
	})

	r.Engine.NoRoute(errors.NoRoute())
}
