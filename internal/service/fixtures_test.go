package service_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/service"
	"github.com/smallbiznis/valora-bridge/internal/session"
	"github.com/smallbiznis/valora-bridge/internal/transition"
)

var t0 = time.Date(2024, 11, 2, 10, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		AuthOriginURL:      "https://auth.smallbiznisapp.io",
		DashboardOriginURL: "https://app.smallbiznisapp.io",
		LoginPath:          "/login",
		TransitionPath:     "/auth/transition",
		CookieDomain:       "smallbiznisapp.io",
		CookieSecure:       true,
		SessionTTL:         8 * time.Hour,
		InactivityWindow:   2 * time.Hour,
		TransitionTTL:      5 * time.Minute,
		RevalidateAfter:    5 * time.Minute,
		AppClientID:        "bridge",
		AppClientSecret:    "secret",
		AppCredentialTTL:   time.Hour,
		AppAuthMaxAttempts: 3,
		MaxManualRetries:   3,
	}
}

type fakeBackend struct {
	mu          sync.Mutex
	appFailures []error
	loginErr    error
	validateErr error
	logouts     []string
	logins      []backend.LoginRequest
}

func (f *fakeBackend) AppLogin(ctx context.Context, clientID, clientSecret string) (backend.AppLoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appFailures) > 0 {
		err := f.appFailures[0]
		f.appFailures = f.appFailures[1:]
		return backend.AppLoginResult{}, err
	}
	return backend.AppLoginResult{Token: "app-" + clientID, ExpiresIn: time.Hour}, nil
}

func (f *fakeBackend) Login(ctx context.Context, appToken string, req backend.LoginRequest) (backend.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, req)
	if f.loginErr != nil {
		return backend.LoginResult{}, f.loginErr
	}
	return backend.LoginResult{
		Tokens: domain.TokenBundle{Access: "at-" + req.Email, Refresh: "rt-1"},
		User:   sampleUser(),
	}, nil
}

func (f *fakeBackend) ValidateToken(ctx context.Context, appToken, accessToken string) (domain.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return domain.UserIdentity{}, f.validateErr
	}
	return sampleUser(), nil
}

func (f *fakeBackend) Logout(ctx context.Context, appToken, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, accessToken)
	return nil
}

func sampleUser() domain.UserIdentity {
	verified := true
	return domain.UserIdentity{
		UserID:        "u-42",
		Email:         "ana@smallbiznis.test",
		Roles:         []string{"owner"},
		EmailVerified: &verified,
		Organizations: []domain.OrganizationRef{{ID: "org-1", Name: "Acme", Role: "owner"}},
	}
}

type originSite struct {
	host     string
	scopes   *service.Scopes
	auth     *service.AuthService
	sessions *service.SessionService
	creds    *appauth.Manager
	store    *repository.MemoryStore
}

type world struct {
	clock   *clock.FakeClock
	jar     *cookie.Jar
	backend *fakeBackend
	auth    originSite
	dash    originSite
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{clock: clock.Fake(t0), backend: &fakeBackend{}}
	w.jar = cookie.NewJar(w.clock)
	w.auth = w.newSite(t, domain.SourceAuth, "auth.smallbiznisapp.io", 1)
	w.dash = w.newSite(t, domain.SourceDashboard, "app.smallbiznisapp.io", 2)
	return w
}

func (w *world) newSite(t *testing.T, self domain.Source, host string, node int64) originSite {
	t.Helper()
	cfg := testConfig()
	origins, err := origin.NewResolver(cfg, self)
	require.NoError(t, err)
	n, err := snowflake.NewNode(node)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	ids := session.NewIDGenerator(n)
	creds := appauth.NewManager(w.backend, repository.Namespace(store, string(self)+":app"), appauth.Options{
		ClientID:     cfg.AppClientID,
		ClientSecret: cfg.AppClientSecret,
		DefaultTTL:   cfg.AppCredentialTTL,
		Clock:        w.clock,
	}, zap.NewNop())
	scopes := service.NewScopes(service.ScopeDeps{
		Config:      cfg,
		Origins:     origins,
		Store:       store,
		Hub:         session.NewMemoryHub(),
		IDs:         ids,
		Codec:       jwt.NewHandoffCodec(nil),
		Credentials: creds,
		Validator:   w.backend,
		Clock:       w.clock,
		Logger:      zap.NewNop(),
	})
	return originSite{
		host:     host,
		scopes:   scopes,
		auth:     service.NewAuthService(scopes, w.backend, creds, ids, zap.NewNop()),
		sessions: service.NewSessionService(scopes, w.backend, creds, zap.NewNop()),
		creds:    creds,
		store:    store,
	}
}

func (w *world) scope(site originSite, device string) *service.Scope {
	return site.scopes.For(device, w.jar.ForHost(site.host, cookie.Options{Domain: "smallbiznisapp.io", Secure: true}))
}

func transitionParams(t *testing.T, redirect string) transition.Params {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	return transition.Params{
		Token:     q.Get(transition.ParamToken),
		ReturnURL: q.Get(transition.ParamReturnURL),
		From:      domain.Source(q.Get(transition.ParamFrom)),
	}
}
