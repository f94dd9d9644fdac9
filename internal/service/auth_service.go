package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

// APIError is a client-facing failure with an OAuth style body.
type APIError struct {
	Code        string
	Description string
	Status      int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newAPIError(code, desc string, status int) *APIError {
	return &APIError{Code: code, Description: desc, Status: status}
}

// AuthService runs the logins the auth origin accepts and hands the
// resulting session to the sibling origin.
type AuthService struct {
	scopes  *Scopes
	backend backend.Client
	creds   *appauth.Manager
	ids     *session.IDGenerator
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(scopes *Scopes, client backend.Client, creds *appauth.Manager, ids *session.IDGenerator, logger *zap.Logger) *AuthService {
	return &AuthService{
		scopes:  scopes,
		backend: client,
		creds:   creds,
		ids:     ids,
		logger:  logger,
		tracer:  otel.Tracer("github.com/smallbiznis/valora-bridge/internal/service"),
	}
}

// LoginInput is a login attempt plus where the browser should land.
type LoginInput struct {
	Request backend.LoginRequest
	// Target, when set, hands the new session to that origin.
	Target    domain.Source
	ReturnURL string
}

// Login authenticates against the backend, stores the session locally,
// mirrors it into the shared cookies and optionally prepares a hand-off.
func (s *AuthService) Login(ctx context.Context, scope *Scope, in LoginInput) (LoginOutcome, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()
	span.SetAttributes(attribute.String("login.method", string(in.Request.Method)))

	if err := validateLogin(in.Request); err != nil {
		return LoginOutcome{}, err
	}
	target, returnURL, err := s.destination(in.Target, in.ReturnURL)
	if err != nil {
		return LoginOutcome{}, err
	}

	result, appToken, err := s.login(ctx, in.Request)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, backend.ErrInvalidCredentials) {
			s.audit("session.login.failure", "method", in.Request.Method, "device", scope.Device)
			return LoginOutcome{}, newAPIError("invalid_grant", loginFailureMessage(in.Request.Method), http.StatusBadRequest)
		}
		return LoginOutcome{}, err
	}

	sessionID, err := s.ids.New()
	if err != nil {
		span.RecordError(err)
		return LoginOutcome{}, err
	}
	tokens := result.Tokens
	tokens.App = appToken
	record := scope.Policy.NewRecord(result.User, tokens, sessionID, domain.SourceAuth)
	record.ValidatedAt = scope.Policy.Now()
	if err := scope.Policy.Establish(ctx, record); err != nil {
		span.RecordError(err)
		return LoginOutcome{}, fmt.Errorf("store session: %w", err)
	}
	if err := scope.Bridge.PushToCookies(ctx); err != nil {
		s.log().Warn("mirror session to cookies failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.audit("session.login.success", "method", in.Request.Method, "user_id", result.User.UserID, "session_id", sessionID, "device", scope.Device)

	outcome := LoginOutcome{Session: NewSessionView(record), Redirect: returnURL}
	if target != "" {
		redirect, err := scope.Handshake.Prepare(ctx, target, in.ReturnURL)
		if err != nil {
			span.RecordError(err)
			return LoginOutcome{}, err
		}
		outcome.Redirect = redirect
	}
	return outcome, nil
}

// Handoff prepares a transition of the current session to target.
func (s *AuthService) Handoff(ctx context.Context, scope *Scope, target domain.Source, returnURL string) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Handoff")
	defer span.End()
	span.SetAttributes(attribute.String("transition.target", string(target)))

	redirect, err := scope.Handshake.Prepare(ctx, target, returnURL)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	s.audit("session.handoff.prepared", "target", target, "device", scope.Device)
	return redirect, nil
}

// login runs the backend login, re-authenticating the origin once when the
// backend refuses its credential.
func (s *AuthService) login(ctx context.Context, req backend.LoginRequest) (backend.LoginResult, string, error) {
	cred, err := s.creds.EnsureAuthenticated(ctx)
	if err != nil {
		return backend.LoginResult{}, "", err
	}
	result, err := s.backend.Login(ctx, cred.Token, req)
	if errors.Is(err, domain.ErrAppCredentialRejected) {
		if cred, err = s.creds.ForceReauth(ctx); err != nil {
			return backend.LoginResult{}, "", err
		}
		result, err = s.backend.Login(ctx, cred.Token, req)
	}
	if err != nil {
		return backend.LoginResult{}, "", err
	}
	if result.Tokens.Access == "" {
		return backend.LoginResult{}, "", domain.NewError(domain.KindUserTokenInvalid, "login returned no access token", nil)
	}
	return result, cred.Token, nil
}

// destination settles where a successful login sends the browser. An
// absolute return URL on the sibling origin implies a hand-off to it.
func (s *AuthService) destination(target domain.Source, returnURL string) (domain.Source, string, error) {
	origins := s.scopes.Origins()
	self := origins.Self().Source
	if target == "" && returnURL != "" {
		if u, err := url.Parse(returnURL); err == nil && u.Host != "" {
			if source, ok := origins.SourceOf(u.Scheme + "://" + u.Host); ok && source != self {
				target = source
			}
		}
	}
	if target == self {
		target = ""
	}
	if target != "" {
		if _, err := origins.ResolveReturnURL(target, returnURL); err != nil {
			return "", "", redirectError(err)
		}
		return target, "", nil
	}
	if returnURL == "" {
		return "", "", nil
	}
	resolved, err := origins.ResolveReturnURL(self, returnURL)
	if err != nil {
		return "", "", redirectError(err)
	}
	return "", resolved, nil
}

func validateLogin(req backend.LoginRequest) error {
	switch req.Method {
	case backend.LoginPassword:
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			return newAPIError("invalid_request", "Email and password are required.", http.StatusBadRequest)
		}
	case backend.LoginMagicLink:
		if strings.TrimSpace(req.MagicToken) == "" {
			return newAPIError("invalid_request", "Magic link token is required.", http.StatusBadRequest)
		}
	case backend.LoginOAuth:
		if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Code) == "" {
			return newAPIError("invalid_request", "Provider and code are required.", http.StatusBadRequest)
		}
	default:
		return newAPIError("unsupported_grant_type", "Unsupported login method.", http.StatusBadRequest)
	}
	return nil
}

func loginFailureMessage(method backend.LoginMethod) string {
	switch method {
	case backend.LoginMagicLink:
		return "Magic link is invalid or expired."
	case backend.LoginOAuth:
		return "Sign-in with provider failed."
	default:
		return "Wrong email or password."
	}
}

func redirectError(err error) error {
	if errors.Is(err, origin.ErrUntrustedRedirect) || errors.Is(err, origin.ErrUnknownOrigin) {
		return newAPIError("invalid_request", "Return URL is not allowed.", http.StatusBadRequest)
	}
	return err
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	audit(s.log(), event, attrs...)
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func audit(logger *zap.Logger, event string, attrs ...any) {
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}
