package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	bridgehttp "github.com/smallbiznis/valora-bridge/internal/http"
	"github.com/smallbiznis/valora-bridge/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-bridge/internal/http/middleware"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/service"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

const (
	authHost = "auth.smallbiznisapp.io"
	dashHost = "app.smallbiznisapp.io"
)

var t0 = time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)

type stubBackend struct {
	mu      sync.Mutex
	logouts int
}

func (b *stubBackend) AppLogin(ctx context.Context, clientID, clientSecret string) (backend.AppLoginResult, error) {
	return backend.AppLoginResult{Token: "app-" + clientID, ExpiresIn: time.Hour}, nil
}

func (b *stubBackend) Login(ctx context.Context, appToken string, req backend.LoginRequest) (backend.LoginResult, error) {
	if req.Password != "correct horse" && req.Method == backend.LoginPassword {
		return backend.LoginResult{}, backend.ErrInvalidCredentials
	}
	return backend.LoginResult{
		Tokens: domain.TokenBundle{Access: "at-1", Refresh: "rt-1"},
		User:   domain.UserIdentity{UserID: "u-7", Email: req.Email, Roles: []string{"admin"}},
	}, nil
}

func (b *stubBackend) ValidateToken(ctx context.Context, appToken, accessToken string) (domain.UserIdentity, error) {
	return domain.UserIdentity{UserID: "u-7", Email: "ana@smallbiznis.test", Roles: []string{"admin"}}, nil
}

func (b *stubBackend) Logout(ctx context.Context, appToken, accessToken string) error {
	b.mu.Lock()
	b.logouts++
	b.mu.Unlock()
	return nil
}

type browser struct {
	t       *testing.T
	jar     *cookie.Jar
	engines map[string]*gin.Engine
}

func (b *browser) do(method, rawURL string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(b.t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, rawURL, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.jar.AddCookies(req)
	w := httptest.NewRecorder()
	b.engines[req.Host].ServeHTTP(w, req)
	b.jar.StoreResponse(req.Host, w.Header())
	return w
}

func testConfig() config.Config {
	return config.Config{
		ServiceName:          "valora-bridge-test",
		AuthOriginURL:        "https://" + authHost,
		DashboardOriginURL:   "https://" + dashHost,
		LoginPath:            "/login",
		TransitionPath:       "/auth/transition",
		CookieDomain:         "smallbiznisapp.io",
		CookieSecure:         true,
		SessionTTL:           8 * time.Hour,
		InactivityWindow:     2 * time.Hour,
		TransitionTTL:        5 * time.Minute,
		RevalidateAfter:      5 * time.Minute,
		AppClientID:          "bridge",
		AppClientSecret:      "secret",
		AppCredentialTTL:     time.Hour,
		AppAuthMaxAttempts:   3,
		MaxManualRetries:     3,
		CORSAllowedMethods:   []string{"GET", "POST"},
		CORSAllowedHeaders:   []string{"Content-Type"},
		CORSAllowCredentials: true,
	}
}

func newEngine(t *testing.T, self domain.Source, clk clock.Clock, stub *stubBackend, node int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	origins, err := origin.NewResolver(cfg, self)
	require.NoError(t, err)
	n, err := snowflake.NewNode(node)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	ids := session.NewIDGenerator(n)
	codec := jwt.NewHandoffCodec(nil)
	creds := appauth.NewManager(stub, repository.Namespace(store, string(self)+":app"), appauth.Options{
		ClientID: cfg.AppClientID, ClientSecret: cfg.AppClientSecret, DefaultTTL: cfg.AppCredentialTTL, Clock: clk,
	}, zap.NewNop())
	scopes := service.NewScopes(service.ScopeDeps{
		Config: cfg, Origins: origins, Store: store, Hub: session.NewMemoryHub(), IDs: ids,
		Codec: codec, Credentials: creds, Validator: stub, Clock: clk, Logger: zap.NewNop(),
	})
	authSvc := service.NewAuthService(scopes, stub, creds, ids, zap.NewNop())
	sessions := service.NewSessionService(scopes, stub, creds, zap.NewNop())
	discovery := service.NewDiscoveryService(cfg, origins, codec, nil)

	sessionHandler := handler.NewSessionHandler(sessions, authSvc, discovery)
	sessionHandler.KeepAlive = 20 * time.Millisecond
	return bridgehttp.NewRouter(self, bridgehttp.Routes{
		Config:   cfg,
		Scopes:   scopes,
		Auth:     handler.NewAuthHandler(authSvc),
		Sessions: sessionHandler,
		Guard:    &httpmiddleware.Session{Sessions: sessions},
		Logger:   zap.NewNop(),
	})
}

func newBrowser(t *testing.T) (*browser, *stubBackend) {
	clk := clock.Fake(t0)
	stub := &stubBackend{}
	return &browser{
		t:   t,
		jar: cookie.NewJar(clk),
		engines: map[string]*gin.Engine{
			authHost: newEngine(t, domain.SourceAuth, clk, stub, 1),
			dashHost: newEngine(t, domain.SourceDashboard, clk, stub, 2),
		},
	}, stub
}

func TestLoginHandoffAndProtectedAPI(t *testing.T) {
	b, stub := newBrowser(t)

	w := b.do(http.MethodPost, "https://"+authHost+"/auth/login", map[string]string{
		"email":      "ana@smallbiznis.test",
		"password":   "correct horse",
		"return_url": "https://" + dashHost + "/billing",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login service.LoginOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.True(t, strings.HasPrefix(login.Redirect, "https://"+dashHost+"/auth/transition?"))

	w = b.do(http.MethodGet, "https://"+dashHost+"/api/session", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = b.do(http.MethodGet, login.Redirect, nil)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	require.Equal(t, "https://"+dashHost+"/billing", w.Header().Get("Location"))

	w = b.do(http.MethodGet, "https://"+dashHost+"/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view service.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, domain.SourceDashboard, view.Source)
	require.Equal(t, login.Session.SessionID, view.SessionID)

	// Replaying the hand-off lands on the existing session without error.
	w = b.do(http.MethodGet, login.Redirect, nil)
	require.Equal(t, http.StatusFound, w.Code)

	w = b.do(http.MethodPost, "https://"+dashHost+"/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 1, stub.logouts)
	w = b.do(http.MethodGet, "https://"+dashHost+"/api/session", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginWithWrongPassword(t *testing.T) {
	b, _ := newBrowser(t)

	w := b.do(http.MethodPost, "https://"+authHost+"/auth/login", map[string]string{
		"email": "ana@smallbiznis.test", "password": "nope",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), `"error":"invalid_grant"`)
}

func TestLoginRoutesOnlyOnAuthOrigin(t *testing.T) {
	b, _ := newBrowser(t)
	w := b.do(http.MethodPost, "https://"+dashHost+"/auth/login", map[string]string{"email": "a", "password": "b"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransitionWithoutHandoffRedirectsToLogin(t *testing.T) {
	b, _ := newBrowser(t)

	w := b.do(http.MethodGet, "https://"+dashHost+"/auth/transition?returnUrl=%2Freports", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, authHost, loc.Host)
	require.Equal(t, "https://"+dashHost+"/reports", loc.Query().Get("return_url"))
}

func TestHandoffRejectsUnknownTarget(t *testing.T) {
	b, _ := newBrowser(t)
	w := b.do(http.MethodGet, "https://"+authHost+"/auth/handoff?target=billing", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodGet, "https://"+authHost+"/auth/handoff?target=dashboard", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "no_active_session")
}

func TestStatusAndRecover(t *testing.T) {
	b, _ := newBrowser(t)

	w := b.do(http.MethodGet, "https://"+dashHost+"/auth/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"phase":"completed"`)
	require.Contains(t, w.Body.String(), `"has_session":false`)

	w = b.do(http.MethodPost, "https://"+dashHost+"/auth/recover", map[string]string{"action": "redirect_to_auth", "return_url": "/home"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "https://"+authHost+"/login")

	w = b.do(http.MethodPost, "https://"+dashHost+"/auth/recover", map[string]string{"action": "dance"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceCookieIsStable(t *testing.T) {
	b, _ := newBrowser(t)
	b.do(http.MethodGet, "https://"+dashHost+"/auth/status", nil)
	first, ok := b.jar.ForHost(dashHost, cookie.Options{}).Get(cookie.Device)
	require.True(t, ok)

	b.do(http.MethodGet, "https://"+dashHost+"/auth/status", nil)
	second, _ := b.jar.ForHost(dashHost, cookie.Options{}).Get(cookie.Device)
	require.Equal(t, first, second)

	_, shared := b.jar.ForHost(authHost, cookie.Options{}).Get(cookie.Device)
	require.False(t, shared)
}

func TestDiscoveryAndHealth(t *testing.T) {
	b, _ := newBrowser(t)

	w := b.do(http.MethodGet, "https://"+dashHost+"/.well-known/session-bridge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc service.SessionBridgeConfiguration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, domain.SourceDashboard, doc.Origin)
	require.False(t, doc.HandoffSigned)

	w = b.do(http.MethodGet, "https://"+authHost+"/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEventsStreamBroadcastsLogout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(t0)
	stub := &stubBackend{}
	engine := newEngine(t, domain.SourceAuth, clk, stub, 3)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	client := srv.Client()
	device := &http.Cookie{Name: cookie.Device, Value: "0b7f3f4e-9a52-4f0e-8c1d-3d1f8f3b2a10"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auth/events", nil)
	require.NoError(t, err)
	req.AddCookie(device)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(prefix string) string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}
	waitFor("event:ready")

	logout, err := http.NewRequest(http.MethodPost, srv.URL+"/auth/logout", nil)
	require.NoError(t, err)
	logout.AddCookie(device)
	logoutResp, err := client.Do(logout)
	require.NoError(t, err)
	logoutResp.Body.Close()
	require.Equal(t, http.StatusNoContent, logoutResp.StatusCode)

	waitFor("event:session")
	require.Contains(t, waitFor("data:"), "logged_out")
}
