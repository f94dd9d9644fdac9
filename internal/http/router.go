package http

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-bridge/internal/http/middleware"
	"github.com/smallbiznis/valora-bridge/internal/middleware"
	"github.com/smallbiznis/valora-bridge/internal/service"
)

// Routes holds everything the routers mount.
type Routes struct {
	Config      config.Config
	Scopes      *service.Scopes
	Auth        *handler.AuthHandler
	Sessions    *handler.SessionHandler
	Guard       *httpmiddleware.Session
	RateLimiter *middleware.RateLimiter
	Logger      *zap.Logger
}

// NewRouter wires Gin routes and middleware for the origin self serves.
func NewRouter(self domain.Source, routes Routes) *gin.Engine {
	if self == domain.SourceAuth {
		return NewAuthRouter(routes)
	}
	return NewDashboardRouter(routes)
}

// NewAuthRouter serves the auth origin: login intake plus the shared
// session endpoints.
func NewAuthRouter(routes Routes) *gin.Engine {
	r, browser := newEngine(routes)

	authGroup := browser.Group("/auth")
	{
		authGroup.POST("/login", routes.Auth.PasswordLogin)
		authGroup.POST("/magic-link/verify", routes.Auth.MagicLinkVerify)
		authGroup.GET("/oauth/callback", routes.Auth.OAuthCallback)
	}
	return r
}

// NewDashboardRouter serves the dashboard origin.
func NewDashboardRouter(routes Routes) *gin.Engine {
	r, _ := newEngine(routes)
	return r
}

// newEngine mounts the routes both origins share and returns the group
// whose requests carry a browser scope.
func newEngine(routes Routes) (*gin.Engine, *gin.RouterGroup) {
	cfg := routes.Config
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(routes.Logger))
	r.Use(middleware.CORS(cfg))
	if routes.RateLimiter != nil {
		r.Use(routes.RateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", routes.Sessions.Healthz)
	r.GET("/.well-known/session-bridge", routes.Sessions.SessionBridgeConfiguration)

	browser := r.Group("/")
	browser.Use(httpmiddleware.Device(routes.Scopes, cookie.Options{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}))
	{
		browser.GET(transitionPath(cfg), routes.Sessions.Transition)

		authGroup := browser.Group("/auth")
		authGroup.GET("/handoff", routes.Sessions.Handoff)
		authGroup.GET("/status", routes.Sessions.Status)
		authGroup.POST("/recover", routes.Sessions.Recover)
		authGroup.POST("/logout", routes.Sessions.Logout)
		authGroup.GET("/events", routes.Sessions.Events)

		browser.GET("/api/session", routes.Guard.Require, routes.Sessions.Me)
	}
	return r, browser
}

func transitionPath(cfg config.Config) string {
	if cfg.TransitionPath == "" {
		return "/auth/transition"
	}
	return "/" + strings.TrimPrefix(cfg.TransitionPath, "/")
}
