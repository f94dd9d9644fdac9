// Package authflow runs the per-browser authentication state machine.
package authflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

// Credentials is the application credential source.
type Credentials interface {
	EnsureAuthenticated(ctx context.Context) (domain.AppCredential, error)
	ForceReauth(ctx context.Context) (domain.AppCredential, error)
}

// Validator checks a user access token against the backend.
type Validator interface {
	ValidateToken(ctx context.Context, appToken, accessToken string) (domain.UserIdentity, error)
}

// Preparer starts a hand-off towards another origin.
type Preparer interface {
	Prepare(ctx context.Context, target domain.Source, returnURL string) (string, error)
}

// Options tunes retry budgets and revalidation.
type Options struct {
	// MaxAttempts bounds app credential attempts within one run.
	MaxAttempts int
	RetryDelay  time.Duration
	// MaxManualRetries bounds Retry calls after a failure.
	MaxManualRetries int
	// RevalidateAfter lets a recently validated record skip app auth.
	RevalidateAfter time.Duration
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Credentials Credentials
	Validator   Validator
	Policy      *session.Policy
	// LoginURL builds the auth origin login page address.
	LoginURL func(returnURL string) string
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Snapshot is the state exposed to the presentation layer.
type Snapshot struct {
	Phase       domain.Phase          `json:"phase"`
	Error       domain.ErrorKind      `json:"error,omitempty"`
	Message     string                `json:"message,omitempty"`
	Attempt     int                   `json:"attempt"`
	Retries     int                   `json:"retries"`
	Actions     []domain.Action       `json:"actions,omitempty"`
	Degraded    bool                  `json:"degraded,omitempty"`
	Record      *domain.SessionRecord `json:"-"`
	HasSession  bool                  `json:"has_session"`
	Generation  uint64                `json:"generation"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
}

// Machine sequences starting, checking_session, app_auth, user_validation
// and the terminal phases for one browser. Results of a run superseded by
// a newer run or Cancel are dropped.
type Machine struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	// writeMu orders session writes against Cancel and begin: once either
	// returns, no write of an older generation can land.
	writeMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	snap      Snapshot
	retries   int
	observers map[int]func(Snapshot)
	nextObs   int
}

// NewMachine builds a machine in the starting phase.
func NewMachine(opts Options, deps Deps) *Machine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/smallbiznis/valora-bridge/internal/authflow")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Machine{
		opts:      opts,
		deps:      deps,
		logger:    logger,
		snap:      Snapshot{Phase: domain.PhaseStarting},
		observers: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Observe registers fn for every phase change.
func (m *Machine) Observe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Cancel makes any in-flight run stale. Its eventual result is discarded.
func (m *Machine) Cancel() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()
}

// Run executes the machine from the starting phase. The manual retry budget
// carries over from earlier runs until one of them completes.
func (m *Machine) Run(ctx context.Context) Snapshot {
	return m.run(ctx)
}

// Retry re-enters app auth after a failure. Once the manual budget is spent
// the failed snapshot is returned unchanged.
func (m *Machine) Retry(ctx context.Context) Snapshot {
	m.mu.Lock()
	if m.snap.Phase != domain.PhaseFailed || m.retries >= m.opts.MaxManualRetries {
		snap := m.snap
		m.mu.Unlock()
		return snap
	}
	m.retries++
	m.mu.Unlock()
	return m.run(ctx)
}

// SkipAppAuth completes from the locally cached session alone, for when the
// origin's own credential cannot be obtained.
func (m *Machine) SkipAppAuth(ctx context.Context) Snapshot {
	gen := m.begin()
	ctx, span := m.deps.Tracer.Start(ctx, "authflow.skip_app_auth")
	defer span.End()

	m.advance(gen, domain.PhaseUserValidation, 0)
	record, err := m.deps.Policy.Current(ctx)
	if err != nil {
		return m.fail(ctx, gen, domain.NewError(domain.KindNetworkError, "read local session", err), 0)
	}
	if record == nil {
		return m.fail(ctx, gen, domain.ErrNoActiveSession, 0)
	}
	ok, err := m.commit(gen, func() error { return m.deps.Policy.Touch(ctx, record) })
	if !ok {
		return m.Snapshot()
	}
	if err != nil {
		return m.fail(ctx, gen, err, 0)
	}
	return m.complete(gen, record, 0, true)
}

// RedirectToAuth abandons recovery and returns where to send the browser.
// returnURL is the page on this origin to come back to. With a session to
// carry, the auth origin receives it through a fresh hand-off landing on its
// login page; otherwise the browser goes to the login page directly.
func (m *Machine) RedirectToAuth(ctx context.Context, preparer Preparer, returnURL string) (string, error) {
	m.Cancel()
	if m.deps.LoginURL == nil {
		return "", domain.ErrNoActiveSession
	}
	login := m.deps.LoginURL(returnURL)
	if preparer != nil {
		target, err := preparer.Prepare(ctx, domain.SourceAuth, login)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, domain.ErrNoActiveSession) {
			return "", err
		}
	}
	return login, nil
}

func (m *Machine) run(ctx context.Context) Snapshot {
	gen := m.begin()
	ctx, span := m.deps.Tracer.Start(ctx, "authflow.run")
	defer span.End()

	m.advance(gen, domain.PhaseCheckingSession, 0)
	record, err := m.deps.Policy.Current(ctx)
	if err != nil {
		return m.fail(ctx, gen, domain.NewError(domain.KindNetworkError, "read local session", err), 0)
	}
	if record != nil && m.fresh(record) {
		span.SetAttributes(attribute.Bool("authflow.cached", true))
		m.advance(gen, domain.PhaseUserValidation, 0)
		ok, err := m.commit(gen, func() error { return m.deps.Policy.Touch(ctx, record) })
		if !ok {
			return m.Snapshot()
		}
		if err != nil {
			return m.fail(ctx, gen, err, 0)
		}
		return m.complete(gen, record, 0, false)
	}

	m.advance(gen, domain.PhaseAppAuth, 0)
	cred, attempts, err := m.acquire(ctx)
	span.SetAttributes(attribute.Int("authflow.app_auth_attempts", attempts))
	if err != nil {
		return m.fail(ctx, gen, domain.NewError(domain.KindAppAuthFailed, "application credential unavailable", err), attempts)
	}

	m.advance(gen, domain.PhaseUserValidation, attempts)
	if record == nil {
		return m.complete(gen, nil, attempts, false)
	}
	return m.validate(ctx, gen, record, cred, attempts)
}

func (m *Machine) acquire(ctx context.Context) (domain.AppCredential, int, error) {
	attempts := 0
	op := func() (domain.AppCredential, error) {
		attempts++
		cred, err := m.deps.Credentials.EnsureAuthenticated(ctx)
		if err != nil && !errors.Is(err, domain.ErrNetwork) {
			return cred, backoff.Permanent(err)
		}
		return cred, err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryDelay), uint64(m.opts.MaxAttempts-1)),
		ctx,
	)
	cred, err := backoff.RetryWithData(op, policy)
	return cred, attempts, err
}

func (m *Machine) validate(ctx context.Context, gen uint64, record *domain.SessionRecord, cred domain.AppCredential, attempts int) Snapshot {
	user, err := m.deps.Validator.ValidateToken(ctx, cred.Token, record.Tokens.Access)
	if errors.Is(err, domain.ErrAppCredentialRejected) {
		m.logger.Info("app credential rejected during validation, re-authenticating")
		cred, err = m.deps.Credentials.ForceReauth(ctx)
		if err != nil {
			return m.fail(ctx, gen, domain.NewError(domain.KindAppAuthFailed, "re-authentication failed", err), attempts)
		}
		user, err = m.deps.Validator.ValidateToken(ctx, cred.Token, record.Tokens.Access)
	}
	if m.stale(gen) {
		return m.Snapshot()
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUserTokenInvalid):
		ok, derr := m.commit(gen, func() error { return m.deps.Policy.Destroy(ctx) })
		if !ok {
			return m.Snapshot()
		}
		if derr != nil {
			m.logger.Warn("clear rejected session failed", zap.Error(derr))
		}
		return m.fail(ctx, gen, err, attempts)
	case errors.Is(err, domain.ErrAppCredentialRejected):
		return m.fail(ctx, gen, domain.NewError(domain.KindAppAuthFailed, "credential rejected after re-authentication", err), attempts)
	case errors.Is(err, domain.ErrNetwork):
		return m.fail(ctx, gen, err, attempts)
	default:
		return m.fail(ctx, gen, domain.NewError(domain.KindNetworkError, "validate token", err), attempts)
	}

	record.User = &user
	record.Tokens.App = cred.Token
	record.ValidatedAt = m.deps.Policy.Now()
	ok, err := m.commit(gen, func() error { return m.deps.Policy.Touch(ctx, record) })
	if !ok {
		return m.Snapshot()
	}
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			return m.complete(gen, nil, attempts, false)
		}
		return m.fail(ctx, gen, domain.NewError(domain.KindNetworkError, "persist session", err), attempts)
	}
	return m.complete(gen, record, attempts, false)
}

func (m *Machine) fresh(record *domain.SessionRecord) bool {
	if record.ValidatedAt.IsZero() || m.opts.RevalidateAfter <= 0 {
		return false
	}
	now := m.deps.Policy.Now()
	if now.Sub(record.ValidatedAt) > m.opts.RevalidateAfter {
		return false
	}
	if exp, ok := jwt.AccessTokenExpiry(record.Tokens.Access); ok && !now.Before(exp) {
		return false
	}
	return true
}

func (m *Machine) begin() uint64 {
	m.writeMu.Lock()
	m.mu.Lock()
	m.writeMu.Unlock()
	m.gen++
	gen := m.gen
	m.snap = Snapshot{Phase: domain.PhaseStarting, Retries: m.retries, Generation: gen}
	snap := m.snap
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)
	return gen
}

// commit runs write unless gen was superseded; ok reports whether it ran.
func (m *Machine) commit(gen uint64, write func() error) (ok bool, err error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.stale(gen) {
		return false, nil
	}
	return true, write()
}

func (m *Machine) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func (m *Machine) advance(gen uint64, phase domain.Phase, attempts int) {
	m.update(gen, func(s *Snapshot) {
		s.Phase = phase
		s.Attempt = attempts
	})
}

func (m *Machine) complete(gen uint64, record *domain.SessionRecord, attempts int, degraded bool) Snapshot {
	return m.update(gen, func(s *Snapshot) {
		s.Phase = domain.PhaseCompleted
		s.Attempt = attempts
		s.Record = record
		s.HasSession = record != nil
		s.Degraded = degraded
		s.CompletedAt = m.deps.Policy.Now()
		m.retries = 0
	})
}

func (m *Machine) fail(ctx context.Context, gen uint64, err error, attempts int) Snapshot {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindNetworkError
	}
	var cached *domain.SessionRecord
	if kind == domain.KindAppAuthFailed || kind == domain.KindNetworkError {
		cached, _ = m.deps.Policy.Current(ctx)
	}
	m.logger.Warn("authentication failed", zap.String("kind", string(kind)), zap.Int("attempts", attempts), zap.Error(err))

	return m.update(gen, func(s *Snapshot) {
		s.Phase = domain.PhaseFailed
		s.Error = kind
		s.Message = err.Error()
		s.Attempt = attempts
		s.Record = nil
		s.HasSession = false
		s.Actions = m.actions(kind, cached != nil)
	})
}

func (m *Machine) actions(kind domain.ErrorKind, cached bool) []domain.Action {
	var out []domain.Action
	switch kind {
	case domain.KindAppAuthFailed, domain.KindNetworkError:
		if m.retries < m.opts.MaxManualRetries {
			out = append(out, domain.ActionRetry)
		}
		if cached {
			out = append(out, domain.ActionSkipAppAuth)
		}
	}
	return append(out, domain.ActionRedirectToAuth)
}

// update applies fn unless gen is stale and returns the resulting snapshot.
func (m *Machine) update(gen uint64, fn func(*Snapshot)) Snapshot {
	m.mu.Lock()
	if gen != m.gen {
		snap := m.snap
		m.mu.Unlock()
		return snap
	}
	fn(&m.snap)
	m.snap.Retries = m.retries
	snap := m.snap
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)
	return snap
}

func (m *Machine) observersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []func(Snapshot), snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}
