package service

import (
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/authflow"
	"github.com/smallbiznis/valora-bridge/internal/bridge"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
	"github.com/smallbiznis/valora-bridge/internal/transition"
)

// Scope is everything one origin knows about one browser during a request.
type Scope struct {
	Device    string
	Cookies   cookie.Store
	Policy    *session.Policy
	Bridge    *bridge.Bridge
	Handshake *transition.Handshake
	Machine   *authflow.Machine
	Channel   session.Channel
}

// Scopes assembles per-browser scopes on top of the origin's shared
// storage, broadcast hub and credential manager.
type Scopes struct {
	cfg      config.Config
	origins  *origin.Resolver
	store    repository.LocalStore
	hub      session.Hub
	ids      *session.IDGenerator
	codec    *jwt.HandoffCodec
	creds    *appauth.Manager
	backend  authflow.Validator
	machines *authflow.Registry
	clock    clock.Clock
	logger   *zap.Logger
}

// ScopeDeps groups the collaborators of Scopes.
type ScopeDeps struct {
	Config      config.Config
	Origins     *origin.Resolver
	Store       repository.LocalStore
	Hub         session.Hub
	IDs         *session.IDGenerator
	Codec       *jwt.HandoffCodec
	Credentials *appauth.Manager
	Validator   authflow.Validator
	Machines    *authflow.Registry
	Clock       clock.Clock
	Logger      *zap.Logger
}

// NewScopes builds a scope factory.
func NewScopes(deps ScopeDeps) *Scopes {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	machines := deps.Machines
	if machines == nil {
		machines = authflow.NewRegistry(clk, deps.Config.InactivityWindow)
	}
	return &Scopes{
		cfg:      deps.Config,
		origins:  deps.Origins,
		store:    deps.Store,
		hub:      deps.Hub,
		ids:      deps.IDs,
		codec:    deps.Codec,
		creds:    deps.Credentials,
		backend:  deps.Validator,
		machines: machines,
		clock:    clk,
		logger:   logger,
	}
}

// Origins exposes the origin resolver.
func (s *Scopes) Origins() *origin.Resolver {
	return s.origins
}

// Machines exposes the per-device machine registry.
func (s *Scopes) Machines() *authflow.Registry {
	return s.machines
}

// For builds the scope of device, reading and writing shared cookies
// through cookies.
func (s *Scopes) For(device string, cookies cookie.Store) *Scope {
	self := string(s.origins.Self().Source)
	logger := s.logger.With(zap.String("origin", self), zap.String("device", device))

	channel := s.hub.Channel(self + ":" + device)
	policy := s.newPolicy(device, channel, logger)
	b := bridge.New(cookies, policy, s.ids, s.cfg.SessionTTL, logger)

	return &Scope{
		Device:    device,
		Cookies:   cookies,
		Policy:    policy,
		Bridge:    b,
		Handshake: transition.New(cookies, policy, b, s.codec, s.origins, s.cfg.TransitionTTL, logger),
		Machine: s.machines.Get(device, func() *authflow.Machine {
			return authflow.NewMachine(authflow.Options{
				MaxAttempts:      s.cfg.AppAuthMaxAttempts,
				RetryDelay:       s.cfg.AppAuthRetryDelay,
				MaxManualRetries: s.cfg.MaxManualRetries,
				RevalidateAfter:  s.cfg.RevalidateAfter,
			}, authflow.Deps{
				Credentials: s.creds,
				Validator:   s.backend,
				Policy:      s.newPolicy(device, channel, logger),
				LoginURL:    s.origins.LoginURL,
				Logger:      logger,
			})
		}),
		Channel: channel,
	}
}

func (s *Scopes) newPolicy(device string, channel session.Channel, logger *zap.Logger) *session.Policy {
	ns := string(s.origins.Self().Source) + ":" + device
	repo := session.NewRepository(repository.Namespace(s.store, ns), logger)
	return session.NewPolicy(session.Options{
		Clock:            s.clock,
		SessionTTL:       s.cfg.SessionTTL,
		InactivityWindow: s.cfg.InactivityWindow,
	}, repo, channel, logger)
}
