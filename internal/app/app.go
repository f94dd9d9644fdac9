// Package app assembles an origin server with fx. cmd/auth and
// cmd/dashboard differ only in the origin they pass to Module.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	cacheadapter "github.com/smallbiznis/valora-bridge/internal/adapter/cache"
	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/authflow"
	"github.com/smallbiznis/valora-bridge/internal/bootstrap"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	httptransport "github.com/smallbiznis/valora-bridge/internal/http"
	"github.com/smallbiznis/valora-bridge/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-bridge/internal/http/middleware"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	apimiddleware "github.com/smallbiznis/valora-bridge/internal/middleware"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/server"
	"github.com/smallbiznis/valora-bridge/internal/service"
	"github.com/smallbiznis/valora-bridge/internal/session"
	"github.com/smallbiznis/valora-bridge/internal/telemetry"
)

// Module wires every component of the server for origin self.
func Module(self domain.Source) fx.Option {
	return fx.Options(
		fx.Supply(self),
		fx.Provide(
			newConfig,
			newLogger,
			newClock,
			newTelemetry,
			newSnowflake,
			newStorage,
			newBackendClient,
			newCredentialManager,
			origin.NewResolver,
			newHandoffKey,
			jwt.NewHandoffCodec,
			session.NewIDGenerator,
			newMachineRegistry,
			newScopes,
			service.NewAuthService,
			service.NewSessionService,
			service.NewDiscoveryService,
			handler.NewAuthHandler,
			handler.NewSessionHandler,
			newSessionGuard,
			newRateLimiter,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newClock() clock.Clock {
	return clock.Real()
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, self domain.Source, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, self, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

// newSnowflake picks a node per origin so session ids minted by the two
// servers never collide. NODE_ID overrides it for replicated deployments.
func newSnowflake(cfg config.Config, self domain.Source) (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID(cfg, self))
}

func nodeID(cfg config.Config, self domain.Source) int64 {
	if cfg.NodeID > 0 {
		return cfg.NodeID
	}
	if self == domain.SourceDashboard {
		return 2
	}
	return 1
}

type storage struct {
	fx.Out

	Store repository.LocalStore
	Hub   session.Hub
}

// newStorage selects the origin's local storage and event hub by
// STORE_DRIVER.
func newStorage(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, logger *zap.Logger) (storage, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		client, err := newRedisClient(lc, cfg)
		if err != nil {
			return storage{}, err
		}
		return storage{
			Store: cacheadapter.NewRedisStore(client, cfg.LocalStoreTTL),
			Hub:   cacheadapter.NewRedisHub(client, logger),
		}, nil
	case config.StorePostgres:
		pool, err := newPGXPool(lc, cfg)
		if err != nil {
			return storage{}, err
		}
		store := repository.NewPostgresStore(pool)
		bootstrap.EnsureSchema(lc, pool, logger)
		bootstrap.StartPurger(lc, store, bootstrap.PurgeOptions{
			TTL:      cfg.LocalStoreTTL,
			Interval: cfg.PurgeInterval,
			Clock:    clk,
		}, logger)
		return storage{Store: store, Hub: session.NewMemoryHub()}, nil
	default:
		logger.Warn("using in-memory local storage; sessions do not survive restarts")
		return storage{Store: repository.NewMemoryStore(), Hub: session.NewMemoryHub()}, nil
	}
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newBackendClient(cfg config.Config) backend.Client {
	return backend.NewHTTPClient(cfg.BackendURL, &http.Client{Timeout: cfg.BackendTimeout})
}

// newCredentialManager keeps the app credential in the origin's own
// storage, apart from any browser's namespace.
func newCredentialManager(client backend.Client, store repository.LocalStore, cfg config.Config, self domain.Source, clk clock.Clock, logger *zap.Logger) *appauth.Manager {
	return appauth.NewManager(client, repository.Namespace(store, string(self)+":app"), appauth.Options{
		ClientID:     cfg.AppClientID,
		ClientSecret: cfg.AppClientSecret,
		DefaultTTL:   cfg.AppCredentialTTL,
		Clock:        clk,
	}, logger)
}

func newHandoffKey(cfg config.Config, logger *zap.Logger) *jwt.Key {
	key := jwt.NewKey(cfg.HandoffSigningKey)
	if key == nil {
		logger.Warn("HANDOFF_SIGNING_KEY not set; hand-off tokens are unsigned")
	}
	return key
}

func newMachineRegistry(cfg config.Config, clk clock.Clock) *authflow.Registry {
	return authflow.NewRegistry(clk, cfg.InactivityWindow)
}

type scopeParams struct {
	fx.In

	Config      config.Config
	Origins     *origin.Resolver
	Store       repository.LocalStore
	Hub         session.Hub
	IDs         *session.IDGenerator
	Codec       *jwt.HandoffCodec
	Credentials *appauth.Manager
	Backend     backend.Client
	Machines    *authflow.Registry
	Clock       clock.Clock
	Logger      *zap.Logger
}

func newScopes(p scopeParams) *service.Scopes {
	return service.NewScopes(service.ScopeDeps{
		Config:      p.Config,
		Origins:     p.Origins,
		Store:       p.Store,
		Hub:         p.Hub,
		IDs:         p.IDs,
		Codec:       p.Codec,
		Credentials: p.Credentials,
		Validator:   p.Backend,
		Machines:    p.Machines,
		Clock:       p.Clock,
		Logger:      p.Logger,
	})
}

func newSessionGuard(sessions *service.SessionService) *httpmiddleware.Session {
	return &httpmiddleware.Session{Sessions: sessions}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

type routerParams struct {
	fx.In

	Self        domain.Source
	Config      config.Config
	Scopes      *service.Scopes
	Auth        *handler.AuthHandler
	Sessions    *handler.SessionHandler
	Guard       *httpmiddleware.Session
	RateLimiter *apimiddleware.RateLimiter
	Logger      *zap.Logger
}

func newRouter(p routerParams) *gin.Engine {
	return httptransport.NewRouter(p.Self, httptransport.Routes{
		Config:      p.Config,
		Scopes:      p.Scopes,
		Auth:        p.Auth,
		Sessions:    p.Sessions,
		Guard:       p.Guard,
		RateLimiter: p.RateLimiter,
		Logger:      p.Logger,
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	server.Background(lc, "http", logger, func(ctx context.Context) error {
		return srv.Run(ctx, addr)
	})
}

func useTelemetry(*telemetry.Provider) {}
