package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/domain"
)

// Options configures the lifecycle policy.
type Options struct {
	Clock            clock.Clock
	SessionTTL       time.Duration
	InactivityWindow time.Duration
}

// Policy decides session validity and owns activity touches and
// broadcasts for one origin and browser.
type Policy struct {
	opts    Options
	repo    *Repository
	channel Channel
	logger  *zap.Logger
}

// NewPolicy builds a policy. channel may be nil when nobody listens.
func NewPolicy(opts Options, repo *Repository, channel Channel, logger *zap.Logger) *Policy {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Policy{opts: opts, repo: repo, channel: channel, logger: logger}
}

// Now returns the policy clock's instant.
func (p *Policy) Now() time.Time {
	return p.opts.Clock.Now()
}

// Repository returns the record store the policy persists into.
func (p *Policy) Repository() *Repository {
	return p.repo
}

// IsValid reports whether record may be used at now. Absolute expiry and the
// inactivity window are enforced independently.
func (p *Policy) IsValid(record *domain.SessionRecord, now time.Time) bool {
	if !record.Complete() {
		return false
	}
	if now.After(record.ExpiresAt) {
		return false
	}
	if now.Sub(record.LastActivity) > p.opts.InactivityWindow {
		return false
	}
	return true
}

// NewRecord starts a session for user at the current instant.
func (p *Policy) NewRecord(user domain.UserIdentity, tokens domain.TokenBundle, sessionID string, source domain.Source) *domain.SessionRecord {
	now := p.Now()
	return &domain.SessionRecord{
		User:         &user,
		Tokens:       tokens,
		SessionID:    sessionID,
		ExpiresAt:    now.Add(p.opts.SessionTTL),
		LastActivity: now,
		Source:       source,
	}
}

// Current loads the local record and returns it only while valid. A record
// found invalid is destroyed and a logout is broadcast.
func (p *Policy) Current(ctx context.Context) (*domain.SessionRecord, error) {
	record, err := p.repo.Load(ctx)
	if err != nil || record == nil {
		return nil, err
	}
	if p.IsValid(record, p.Now()) {
		return record, nil
	}
	p.logger.Info("session expired",
		zap.String("session_id", record.SessionID),
		zap.Time("expires_at", record.ExpiresAt),
		zap.Time("last_activity", record.LastActivity),
	)
	if err := p.repo.Clear(ctx); err != nil {
		return nil, err
	}
	p.notify(ctx, EventFor(EventLoggedOut, nil, p.Now()))
	return nil, nil
}

// Touch records activity: LastActivity moves to now, ExpiresAt never moves.
// The record is persisted and broadcast.
func (p *Policy) Touch(ctx context.Context, record *domain.SessionRecord) error {
	now := p.Now()
	if !p.IsValid(record, now) {
		return domain.ErrNoActiveSession
	}
	record.LastActivity = now
	if err := p.repo.Save(ctx, record); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	p.notify(ctx, EventFor(EventUpdated, record, now))
	return nil
}

// Establish persists a newly created or adopted record and announces it.
func (p *Policy) Establish(ctx context.Context, record *domain.SessionRecord) error {
	if err := p.repo.Save(ctx, record); err != nil {
		return err
	}
	p.notify(ctx, EventFor(EventEstablished, record, p.Now()))
	return nil
}

// Broadcast notifies other tabs of record; nil announces a logout.
func (p *Policy) Broadcast(ctx context.Context, record *domain.SessionRecord) error {
	return p.publish(ctx, EventFor(EventUpdated, record, p.Now()))
}

// Destroy clears the local record and announces the logout.
func (p *Policy) Destroy(ctx context.Context) error {
	if err := p.repo.Clear(ctx); err != nil {
		return err
	}
	p.notify(ctx, EventFor(EventLoggedOut, nil, p.Now()))
	return nil
}

// notify publishes best-effort; other tabs converge on the next storage
// read even when a notification is lost.
func (p *Policy) notify(ctx context.Context, event Event) {
	if err := p.publish(ctx, event); err != nil {
		p.logger.Warn("session broadcast failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

func (p *Policy) publish(ctx context.Context, event Event) error {
	if p.channel == nil {
		return nil
	}
	if err := p.channel.Publish(ctx, event); err != nil {
		return fmt.Errorf("broadcast session: %w", err)
	}
	return nil
}
