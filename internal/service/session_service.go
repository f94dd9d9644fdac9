package service

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/appauth"
	"github.com/smallbiznis/valora-bridge/internal/authflow"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/session"
	"github.com/smallbiznis/valora-bridge/internal/transition"
)

// SessionService exposes the session lifecycle both origins share.
type SessionService struct {
	scopes  *Scopes
	backend backend.Client
	creds   *appauth.Manager
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewSessionService wires dependencies.
func NewSessionService(scopes *Scopes, client backend.Client, creds *appauth.Manager, logger *zap.Logger) *SessionService {
	return &SessionService{
		scopes:  scopes,
		backend: client,
		creds:   creds,
		logger:  logger,
		tracer:  otel.Tracer("github.com/smallbiznis/valora-bridge/internal/service"),
	}
}

// Status runs the authentication state machine for the browser.
func (s *SessionService) Status(ctx context.Context, scope *Scope) StatusResponse {
	ctx, span := s.startSpan(ctx, "SessionService.Status")
	defer span.End()

	snap := scope.Machine.Run(ctx)
	span.SetAttributes(attribute.String("authflow.phase", string(snap.Phase)))
	return NewStatusResponse(snap)
}

// CompleteTransition adopts an incoming hand-off, then authenticates the
// browser and decides where it goes next.
func (s *SessionService) CompleteTransition(ctx context.Context, scope *Scope, params transition.Params) (TransitionOutcome, error) {
	ctx, span := s.startSpan(ctx, "SessionService.CompleteTransition")
	defer span.End()

	result, err := scope.Handshake.Complete(ctx, params)
	if err != nil {
		span.RecordError(err)
		return TransitionOutcome{}, err
	}
	if result.Fallback != nil {
		span.SetAttributes(attribute.String("transition.fallback", string(domain.KindOf(result.Fallback))))
	}

	snap := scope.Machine.Run(ctx)
	outcome := TransitionOutcome{
		Status:   NewStatusResponse(snap),
		Adopted:  result.Adopted,
		Fallback: domain.KindOf(result.Fallback),
	}

	returnURL := params.ReturnURL
	if result.Adopted && result.ReturnURL != "" {
		returnURL = result.ReturnURL
	}
	origins := s.scopes.Origins()
	self := origins.Self().Source
	resolved, err := origins.ResolveReturnURL(self, returnURL)
	if err != nil {
		s.log().Warn("discarding untrusted return url", zap.String("return_url", returnURL), zap.Error(err))
		resolved, _ = origins.ResolveReturnURL(self, "")
	}

	switch {
	case snap.Phase == domain.PhaseCompleted && snap.HasSession:
		outcome.Redirect = resolved
	case snap.Phase == domain.PhaseCompleted:
		outcome.Redirect = origins.LoginURL(resolved)
	}
	outcome.Status.Redirect = outcome.Redirect
	if result.Adopted {
		s.audit("session.transition.adopted", "device", scope.Device, "session_id", result.Record.SessionID, "from", params.From)
	}
	return outcome, nil
}

// Recover applies a recovery action chosen after a failed run.
func (s *SessionService) Recover(ctx context.Context, scope *Scope, action domain.Action, returnURL string) (StatusResponse, error) {
	ctx, span := s.startSpan(ctx, "SessionService.Recover")
	defer span.End()
	span.SetAttributes(attribute.String("authflow.action", string(action)))

	switch action {
	case domain.ActionRetry:
		return NewStatusResponse(scope.Machine.Retry(ctx)), nil
	case domain.ActionSkipAppAuth:
		snap := scope.Machine.SkipAppAuth(ctx)
		if snap.Degraded {
			s.audit("session.degraded", "device", scope.Device)
		}
		return NewStatusResponse(snap), nil
	case domain.ActionRedirectToAuth:
		var preparer authflow.Preparer
		origins := s.scopes.Origins()
		if origins.Self().Source != domain.SourceAuth {
			preparer = scope.Handshake
		}
		back, err := origins.ResolveReturnURL(origins.Self().Source, returnURL)
		if err != nil {
			back, _ = origins.ResolveReturnURL(origins.Self().Source, "")
		}
		redirect, err := scope.Machine.RedirectToAuth(ctx, preparer, back)
		if err != nil {
			span.RecordError(err)
			return StatusResponse{}, err
		}
		resp := NewStatusResponse(scope.Machine.Snapshot())
		resp.Redirect = redirect
		return resp, nil
	default:
		return StatusResponse{}, newAPIError("invalid_request", "Unknown recovery action.", http.StatusBadRequest)
	}
}

// Authorize returns the valid local session and records activity on it.
func (s *SessionService) Authorize(ctx context.Context, scope *Scope) (*domain.SessionRecord, error) {
	record, err := scope.Policy.Current(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNoActiveSession
	}
	if err := scope.Policy.Touch(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Logout ends the session on this origin: any in-flight run is dropped, the
// backend is told best-effort, local state and shared cookies are cleared
// and other tabs are notified.
func (s *SessionService) Logout(ctx context.Context, scope *Scope) error {
	ctx, span := s.startSpan(ctx, "SessionService.Logout")
	defer span.End()

	scope.Machine.Cancel()
	record, err := scope.Policy.Repository().Load(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if record != nil {
		s.revoke(ctx, record)
	}
	if err := scope.Policy.Destroy(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	scope.Bridge.Clear()
	if record != nil {
		s.audit("session.logout", "device", scope.Device, "session_id", record.SessionID)
	}
	return nil
}

// Subscribe streams broadcast events for the browser until unsubscribed.
func (s *SessionService) Subscribe(scope *Scope, fn func(session.Event)) (unsubscribe func()) {
	return scope.Channel.Subscribe(fn)
}

func (s *SessionService) revoke(ctx context.Context, record *domain.SessionRecord) {
	appToken := record.Tokens.App
	if cred := s.creds.Credential(ctx); cred != nil {
		appToken = cred.Token
	}
	if appToken == "" || record.Tokens.Access == "" {
		return
	}
	if err := s.backend.Logout(ctx, appToken, record.Tokens.Access); err != nil {
		s.log().Warn("backend logout failed", zap.String("session_id", record.SessionID), zap.Error(err))
	}
}

func (s *SessionService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *SessionService) audit(event string, attrs ...any) {
	audit(s.log(), event, attrs...)
}

func (s *SessionService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
