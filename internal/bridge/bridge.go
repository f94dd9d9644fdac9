// Package bridge mirrors session material between an origin's local store
// and the cookies shared with its sibling origin.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

// mirrored pairs each local key with its cookie.
var mirrored = []struct {
	local  string
	cookie string
}{
	{repository.KeyAccessToken, cookie.AccessToken},
	{repository.KeyRefreshToken, cookie.RefreshToken},
	{repository.KeyAppToken, cookie.AppToken},
	{repository.KeyUser, cookie.User},
	{repository.KeySessionID, cookie.SessionID},
}

// Bridge copies values one direction at a time. A complete set (user,
// access token, session id) is mirrored exactly, so optional tokens left by
// an earlier session are dropped. An incomplete side never erases the other.
type Bridge struct {
	cookies cookie.Store
	store   repository.LocalStore
	policy  *session.Policy
	ids     *session.IDGenerator
	ttl     time.Duration
	logger  *zap.Logger
}

// New builds a bridge for one origin and browser.
func New(cookies cookie.Store, policy *session.Policy, ids *session.IDGenerator, sessionTTL time.Duration, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.L()
	}
	return &Bridge{
		cookies: cookies,
		store:   policy.Repository().Store(),
		policy:  policy,
		ids:     ids,
		ttl:     sessionTTL,
		logger:  logger,
	}
}

// PushToCookies copies tokens, user and session id into shared cookies. A
// session id is minted when none exists or the stored one belongs to an
// expired session.
func (b *Bridge) PushToCookies(ctx context.Context) error {
	values, err := b.readLocal(ctx)
	if err != nil {
		return err
	}
	now := b.policy.Now()

	expiresAt := parseTime(values[repository.KeySessionExpiresAt])
	if values[repository.KeySessionID] == "" || (!expiresAt.IsZero() && now.After(expiresAt)) {
		id, err := b.ids.New()
		if err != nil {
			return err
		}
		expiresAt = now.Add(b.ttl)
		fresh := map[string]string{
			repository.KeySessionID:        id,
			repository.KeySessionExpiresAt: expiresAt.Format(time.RFC3339Nano),
			repository.KeyLastActivity:     now.Format(time.RFC3339Nano),
		}
		for k, v := range fresh {
			if err := b.store.Set(ctx, k, v); err != nil {
				return fmt.Errorf("persist session id: %w", err)
			}
			values[k] = v
		}
		b.logger.Info("session id minted", zap.String("session_id", id))
	}

	maxAge := b.ttl
	if !expiresAt.IsZero() {
		maxAge = expiresAt.Sub(now)
	}
	exact := complete(values)
	pushed := 0
	for _, m := range mirrored {
		switch v := values[m.local]; {
		case v != "":
			b.cookies.Set(m.cookie, v, maxAge)
			pushed++
		case exact:
			b.cookies.Remove(m.cookie)
		}
	}
	b.logger.Debug("session pushed to cookies", zap.Int("values", pushed), zap.Bool("exact", exact))
	return nil
}

// PullFromCookies copies the cookie set into the local store. It reports
// whether a complete set (user, access token, session id) was present;
// incomplete sets are left untouched.
func (b *Bridge) PullFromCookies(ctx context.Context) (bool, error) {
	values := make(map[string]string, len(mirrored))
	for _, m := range mirrored {
		if v, ok := b.cookies.Get(m.cookie); ok && v != "" {
			values[m.local] = v
		}
	}
	if !complete(values) {
		return false, nil
	}
	var user domain.UserIdentity
	if err := json.Unmarshal([]byte(values[repository.KeyUser]), &user); err != nil {
		b.logger.Warn("ignoring unreadable user cookie", zap.Error(err))
		return false, nil
	}

	var stale []string
	for _, m := range mirrored {
		v := values[m.local]
		if v == "" {
			stale = append(stale, m.local)
			continue
		}
		if err := b.store.Set(ctx, m.local, v); err != nil {
			return false, fmt.Errorf("pull %s: %w", m.local, err)
		}
	}
	if len(stale) > 0 {
		if err := b.store.Delete(ctx, stale...); err != nil {
			return false, fmt.Errorf("drop stale tokens: %w", err)
		}
	}
	return true, nil
}

func complete(values map[string]string) bool {
	return values[repository.KeyAccessToken] != "" && values[repository.KeyUser] != "" && values[repository.KeySessionID] != ""
}

// Clear removes every mirrored cookie.
func (b *Bridge) Clear() {
	for _, m := range mirrored {
		b.cookies.Remove(m.cookie)
	}
}

func (b *Bridge) readLocal(ctx context.Context) (map[string]string, error) {
	keys := []string{repository.KeySessionExpiresAt}
	for _, m := range mirrored {
		keys = append(keys, m.local)
	}
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := b.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if ok {
			values[k] = v
		}
	}
	return values, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
