// Package transition hands a session from one origin to the other through a
// short-lived, single-use token.
package transition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/bridge"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

// Query parameters of the transition endpoint.
const (
	ParamToken     = "token"
	ParamReturnURL = "returnUrl"
	ParamFrom      = "from"
)

// cookieGrace keeps the hand-off cookie alive past the payload TTL so an
// aged hand-off is reported as expired rather than missing.
const cookieGrace = 2 * time.Minute

// Params are the query values the transition endpoint received.
type Params struct {
	Token     string
	ReturnURL string
	From      domain.Source
}

// Result reports what Complete did. Fallback is set when no hand-off was
// adopted and names why.
type Result struct {
	Record   *domain.SessionRecord
	Adopted  bool
	Fallback error
	// ReturnURL is the destination carried by an adopted payload.
	ReturnURL string
}

// Handshake prepares and completes hand-offs for one origin and browser.
type Handshake struct {
	cookies cookie.Store
	policy  *session.Policy
	bridge  *bridge.Bridge
	codec   *jwt.HandoffCodec
	origins *origin.Resolver
	ttl     time.Duration
	logger  *zap.Logger
}

// New builds a handshake.
func New(cookies cookie.Store, policy *session.Policy, b *bridge.Bridge, codec *jwt.HandoffCodec, origins *origin.Resolver, ttl time.Duration, logger *zap.Logger) *Handshake {
	if logger == nil {
		logger = zap.L()
	}
	return &Handshake{
		cookies: cookies,
		policy:  policy,
		bridge:  b,
		codec:   codec,
		origins: origins,
		ttl:     ttl,
		logger:  logger,
	}
}

// Prepare mints a hand-off towards target and returns the URL the browser
// must be sent to. It fails with ErrNoActiveSession without a valid record.
func (h *Handshake) Prepare(ctx context.Context, target domain.Source, returnURL string) (string, error) {
	self := h.origins.Self().Source
	if target == self {
		return "", fmt.Errorf("%w: cannot hand off to self", origin.ErrUnknownOrigin)
	}
	endpoint, err := h.origins.TransitionURL(target)
	if err != nil {
		return "", err
	}
	dest, err := h.origins.ResolveReturnURL(target, returnURL)
	if err != nil {
		return "", err
	}

	record, err := h.policy.Current(ctx)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", domain.ErrNoActiveSession
	}

	if err := h.bridge.PushToCookies(ctx); err != nil {
		return "", fmt.Errorf("push session: %w", err)
	}

	now := h.policy.Now().Truncate(time.Second)
	payload := domain.TransitionPayload{
		SessionID:        record.SessionID,
		TargetApp:        target,
		ReturnURL:        dest,
		Timestamp:        now,
		FromApp:          self,
		ExpiresAt:        now.Add(h.ttl),
		Nonce:            uuid.NewString(),
		SessionExpiresAt: record.ExpiresAt,
	}
	token, err := h.codec.Encode(payload)
	if err != nil {
		return "", err
	}

	pending, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal pending transition: %w", err)
	}
	if err := h.policy.Repository().Store().Set(ctx, repository.KeyPendingTransition, string(pending)); err != nil {
		return "", fmt.Errorf("persist pending transition: %w", err)
	}
	h.cookies.Set(cookie.Transition, token, h.ttl+cookieGrace)

	q := endpoint.Query()
	q.Set(ParamToken, token)
	q.Set(ParamReturnURL, dest)
	q.Set(ParamFrom, string(self))
	endpoint.RawQuery = q.Encode()

	h.logger.Info("transition prepared",
		zap.String("session_id", record.SessionID),
		zap.String("target", string(target)),
		zap.Bool("signed", h.codec.Signed()),
	)
	return endpoint.String(), nil
}

// Complete adopts a pending hand-off. Whatever happens, the hand-off cookie
// and pending payload are gone when it returns. Without a usable hand-off
// it falls back to the valid local record, if any, and does not error.
func (h *Handshake) Complete(ctx context.Context, p Params) (Result, error) {
	defer h.discardArtifacts(ctx)

	now := h.policy.Now()
	token, ok := h.cookies.Get(cookie.Transition)
	if !ok {
		if h.aged(p.Token, now) {
			return h.fallback(ctx, domain.ErrTransitionExpired, "transition cookie gone and token aged out")
		}
		return h.fallback(ctx, domain.ErrTransitionMissing, "no transition cookie")
	}
	if p.Token != "" && p.Token != token {
		return h.fallback(ctx, domain.ErrTransitionMissing, "token mismatch")
	}
	payload, err := h.codec.Decode(token)
	if err != nil {
		return h.fallback(ctx, domain.NewError(domain.KindTransitionMissing, "unreadable transition token", err), "decode failed")
	}

	if h.expired(payload, now) {
		return h.fallback(ctx, domain.ErrTransitionExpired, "transition expired")
	}
	self := h.origins.Self().Source
	if payload.TargetApp != self {
		return h.fallback(ctx, domain.ErrTransitionMissing, "transition addressed elsewhere")
	}

	if sid, _ := h.cookies.Get(cookie.SessionID); sid != payload.SessionID {
		return h.fallback(ctx, domain.ErrTransitionMissing, "shared session does not match transition")
	}
	pulled, err := h.bridge.PullFromCookies(ctx)
	if err != nil {
		return Result{}, err
	}
	if !pulled {
		return h.fallback(ctx, domain.ErrTransitionMissing, "shared cookies incomplete")
	}

	repo := h.policy.Repository()
	record, err := repo.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	if record == nil {
		return h.fallback(ctx, domain.ErrTransitionMissing, "pulled session unreadable")
	}

	record.Source = self
	record.ExpiresAt = payload.SessionExpiresAt
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = payload.Timestamp.Add(h.ttl)
	}
	record.LastActivity = now
	record.ValidatedAt = time.Time{}
	if !h.policy.IsValid(record, now) {
		if err := repo.Clear(ctx); err != nil {
			return Result{}, err
		}
		return h.fallback(ctx, domain.ErrNoActiveSession, "handed-off session already expired")
	}
	if err := h.policy.Establish(ctx, record); err != nil {
		return Result{}, err
	}

	h.logger.Info("transition completed",
		zap.String("session_id", record.SessionID),
		zap.String("from", string(payload.FromApp)),
	)
	return Result{Record: record, Adopted: true, ReturnURL: payload.ReturnURL}, nil
}

// Pending returns the payload this origin last prepared while its hand-off
// cookie is still outstanding. Once the cookie has been consumed or has
// expired the local copy is dropped.
func (h *Handshake) Pending(ctx context.Context) (*domain.TransitionPayload, error) {
	store := h.policy.Repository().Store()
	raw, ok, err := store.Get(ctx, repository.KeyPendingTransition)
	if err != nil || !ok {
		return nil, err
	}
	var payload domain.TransitionPayload
	_, live := h.cookies.Get(cookie.Transition)
	if !live || json.Unmarshal([]byte(raw), &payload) != nil || payload.Expired(h.policy.Now()) {
		if err := store.Delete(ctx, repository.KeyPendingTransition); err != nil {
			return nil, fmt.Errorf("drop pending transition: %w", err)
		}
		return nil, nil
	}
	return &payload, nil
}

func (h *Handshake) expired(payload domain.TransitionPayload, now time.Time) bool {
	return now.Sub(payload.Timestamp) > h.ttl || payload.Expired(now)
}

// aged reports whether the token from the URL decodes to a hand-off that
// has outlived the TTL. It only classifies the fallback; nothing is adopted
// from it.
func (h *Handshake) aged(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	payload, err := h.codec.Decode(token)
	return err == nil && h.expired(payload, now)
}

func (h *Handshake) fallback(ctx context.Context, reason error, msg string) (Result, error) {
	h.logger.Info("transition fallback", zap.String("reason", msg), zap.String("kind", string(domain.KindOf(reason))))
	record, err := h.policy.Current(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: record, Fallback: reason}, nil
}

func (h *Handshake) discardArtifacts(ctx context.Context) {
	h.cookies.Remove(cookie.Transition)
	if err := h.policy.Repository().Store().Delete(ctx, repository.KeyPendingTransition); err != nil {
		h.logger.Warn("discard pending transition failed", zap.Error(err))
	}
}
