package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/valora-bridge/internal/domain"
)

// LoginMethod selects the backend login operation.
type LoginMethod string

const (
	LoginPassword  LoginMethod = "password"
	LoginMagicLink LoginMethod = "magic_link"
	LoginOAuth     LoginMethod = "oauth"
)

// ErrInvalidCredentials is returned when the backend refuses a login.
var ErrInvalidCredentials = errors.New("backend: invalid credentials")

// AppLoginResult is the outcome of an application login.
type AppLoginResult struct {
	Token     string
	ExpiresIn time.Duration
}

// LoginRequest carries whichever proof the chosen method needs.
type LoginRequest struct {
	Method      LoginMethod `json:"method"`
	Email       string      `json:"email,omitempty"`
	Password    string      `json:"password,omitempty"`
	MagicToken  string      `json:"token,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	Code        string      `json:"code,omitempty"`
	State       string      `json:"state,omitempty"`
	RedirectURI string      `json:"redirect_uri,omitempty"`
}

// LoginResult is the user session material returned by a login.
type LoginResult struct {
	Tokens domain.TokenBundle
	User   domain.UserIdentity
}

// Client is the consumed backend contract.
type Client interface {
	AppLogin(ctx context.Context, clientID, clientSecret string) (AppLoginResult, error)
	Login(ctx context.Context, appToken string, req LoginRequest) (LoginResult, error)
	ValidateToken(ctx context.Context, appToken, accessToken string) (domain.UserIdentity, error)
	Logout(ctx context.Context, appToken, accessToken string) error
}

// HTTPClient talks to the backend JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Client.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// AppLogin exchanges the origin credentials for an application token.
func (c *HTTPClient) AppLogin(ctx context.Context, clientID, clientSecret string) (AppLoginResult, error) {
	body := map[string]string{"client_id": clientID, "client_secret": clientSecret}
	raw, err := c.do(ctx, "/v1/app/login", "", "", body)
	if err != nil {
		var rejected *statusError
		if errors.As(err, &rejected) {
			return AppLoginResult{}, domain.NewError(domain.KindAppAuthFailed, "app login rejected", err)
		}
		return AppLoginResult{}, err
	}
	token := stringValue(coalesce(raw["app_token"], raw["token"], raw["access_token"]))
	if token == "" {
		return AppLoginResult{}, domain.NewError(domain.KindAppAuthFailed, "app login returned no token", nil)
	}
	return AppLoginResult{
		Token:     token,
		ExpiresIn: time.Duration(int64Value(raw["expires_in"])) * time.Second,
	}, nil
}

// Login runs a password, magic-link or OAuth-callback login.
func (c *HTTPClient) Login(ctx context.Context, appToken string, req LoginRequest) (LoginResult, error) {
	raw, err := c.do(ctx, "/v1/auth/login", appToken, "", req)
	if err != nil {
		if s := (*statusError)(nil); errors.As(err, &s) {
			return LoginResult{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, s.code)
		}
		return LoginResult{}, err
	}
	result := LoginResult{
		Tokens: domain.TokenBundle{
			Access:  stringValue(raw["access_token"]),
			Refresh: stringValue(raw["refresh_token"]),
		},
		User: decodeUser(raw["user"]),
	}
	if result.Tokens.Access == "" || result.User.UserID == "" {
		return LoginResult{}, fmt.Errorf("login response incomplete")
	}
	return result, nil
}

// ValidateToken checks accessToken and returns the current profile.
func (c *HTTPClient) ValidateToken(ctx context.Context, appToken, accessToken string) (domain.UserIdentity, error) {
	raw, err := c.do(ctx, "/v1/auth/validate", appToken, accessToken, struct{}{})
	if err != nil {
		if s := (*statusError)(nil); errors.As(err, &s) {
			return domain.UserIdentity{}, validationError(s)
		}
		return domain.UserIdentity{}, err
	}
	if valid, ok := raw["valid"].(bool); ok && !valid {
		return domain.UserIdentity{}, domain.NewError(domain.KindUserTokenInvalid, "token reported invalid", nil)
	}
	user := decodeUser(raw["user"])
	if user.UserID == "" {
		return domain.UserIdentity{}, domain.NewError(domain.KindUserTokenInvalid, "token has no user", nil)
	}
	return user, nil
}

// Logout invalidates accessToken. A token the backend already rejects counts
// as logged out.
func (c *HTTPClient) Logout(ctx context.Context, appToken, accessToken string) error {
	_, err := c.do(ctx, "/v1/auth/logout", appToken, accessToken, struct{}{})
	if s := (*statusError)(nil); errors.As(err, &s) && s.status == http.StatusUnauthorized {
		return nil
	}
	return err
}

// Error codes that mean the user's access token itself was refused.
var rejectedTokenCodes = map[string]struct{}{
	"invalid_token": {},
	"token_expired": {},
	"token_revoked": {},
}

// validationError classifies a refused validation. Only an explicit
// rejection of the user token destroys the session; throttling and timeouts
// are transient, and anything else leaves the session untouched.
func validationError(s *statusError) error {
	if _, ok := rejectedTokenCodes[s.code]; ok || s.status == http.StatusUnauthorized {
		return domain.NewError(domain.KindUserTokenInvalid, "token rejected", s)
	}
	switch s.status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return domain.NewError(domain.KindNetworkError, fmt.Sprintf("backend status %d", s.status), s)
	}
	return fmt.Errorf("validate token: %w", s)
}

type statusError struct {
	status      int
	code        string
	description string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend rejected request: status=%d error=%s", e.status, e.code)
}

func (c *HTTPClient) do(ctx context.Context, path, appToken, bearer string, payload any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if appToken != "" {
		req.Header.Set("X-App-Token", appToken)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindNetworkError, "backend unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewError(domain.KindNetworkError, "read backend response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewError(domain.KindNetworkError, fmt.Sprintf("backend status %d", resp.StatusCode), nil)
	}

	raw := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("decode backend response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		code := stringValue(coalesce(raw["error"], raw["code"]))
		if code == "invalid_app_token" {
			return nil, domain.NewError(domain.KindAppCredentialRejected, "backend refused app token", nil)
		}
		return nil, &statusError{
			status:      resp.StatusCode,
			code:        code,
			description: stringValue(coalesce(raw["error_description"], raw["message"])),
		}
	}
	return raw, nil
}
