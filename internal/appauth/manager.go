// Package appauth holds the origin's own backend credential.
package appauth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/repository"
)

// Options configures a Manager.
type Options struct {
	ClientID     string
	ClientSecret string
	// DefaultTTL applies when the backend does not say how long a
	// credential lives.
	DefaultTTL time.Duration
	Clock      clock.Clock
}

// Manager acquires the application credential. It never retries; callers
// own the retry budget.
type Manager struct {
	client backend.Client
	store  repository.LocalStore
	opts   Options
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	cred     *domain.AppCredential
	restored bool
}

// NewManager builds a manager. store keeps the credential across restarts
// and may be nil.
func NewManager(client backend.Client, store repository.LocalStore, opts Options, logger *zap.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{client: client, store: store, opts: opts, logger: logger}
}

// Authenticate calls the backend app login once and stores the result.
func (m *Manager) Authenticate(ctx context.Context) (domain.AppCredential, error) {
	v, err, _ := m.group.Do("authenticate", func() (any, error) {
		return m.authenticate(ctx)
	})
	if err != nil {
		return domain.AppCredential{}, err
	}
	return v.(domain.AppCredential), nil
}

// EnsureAuthenticated returns the cached credential while it is valid and
// authenticates otherwise.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (domain.AppCredential, error) {
	if cred := m.Credential(ctx); cred != nil {
		return *cred, nil
	}
	return m.Authenticate(ctx)
}

// ForceReauth drops the current credential and authenticates again.
func (m *Manager) ForceReauth(ctx context.Context) (domain.AppCredential, error) {
	m.Invalidate(ctx)
	return m.Authenticate(ctx)
}

// Invalidate forgets the current credential.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	m.cred = nil
	m.restored = true
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(ctx, repository.KeyAppCredential); err != nil {
			m.logger.Warn("drop app credential failed", zap.Error(err))
		}
	}
}

// Credential returns the current valid credential, or nil.
func (m *Manager) Credential(ctx context.Context) *domain.AppCredential {
	m.restore(ctx)
	now := m.opts.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cred.Valid(now) {
		return nil
	}
	out := *m.cred
	return &out
}

// Authenticated reports whether a valid credential is held.
func (m *Manager) Authenticated(ctx context.Context) bool {
	return m.Credential(ctx) != nil
}

func (m *Manager) authenticate(ctx context.Context) (domain.AppCredential, error) {
	res, err := m.client.AppLogin(ctx, m.opts.ClientID, m.opts.ClientSecret)
	if err != nil {
		m.logger.Warn("app authentication failed", zap.String("client_id", m.opts.ClientID), zap.Error(err))
		var typed *domain.Error
		if errors.As(err, &typed) {
			return domain.AppCredential{}, err
		}
		return domain.AppCredential{}, domain.NewError(domain.KindAppAuthFailed, "app login", err)
	}

	ttl := res.ExpiresIn
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	now := m.opts.Clock.Now()
	cred := domain.AppCredential{Token: res.Token, IssuedAt: now, ExpiresAt: now.Add(ttl)}

	m.mu.Lock()
	m.cred = &cred
	m.restored = true
	m.mu.Unlock()

	if m.store != nil {
		if raw, err := json.Marshal(cred); err == nil {
			if err := m.store.Set(ctx, repository.KeyAppCredential, string(raw)); err != nil {
				m.logger.Warn("persist app credential failed", zap.Error(err))
			}
		}
	}
	m.logger.Info("app authenticated", zap.String("client_id", m.opts.ClientID), zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

func (m *Manager) restore(ctx context.Context) {
	m.mu.Lock()
	done := m.restored || m.store == nil
	m.mu.Unlock()
	if done {
		return
	}

	raw, ok, err := m.store.Get(ctx, repository.KeyAppCredential)
	var cred domain.AppCredential
	if err == nil && ok {
		err = json.Unmarshal([]byte(raw), &cred)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restored {
		return
	}
	m.restored = true
	if err == nil && ok {
		m.cred = &cred
	}
}
