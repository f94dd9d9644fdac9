package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/repository"
)

// Repository maps a SessionRecord onto origin-local storage keys.
type Repository struct {
	store  repository.LocalStore
	logger *zap.Logger
}

// NewRepository builds a Repository over store.
func NewRepository(store repository.LocalStore, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.L()
	}
	return &Repository{store: store, logger: logger}
}

// Store exposes the underlying local store.
func (r *Repository) Store() repository.LocalStore {
	return r.store
}

// Load returns the persisted record, or nil when none exists. Partial or
// unreadable records are deleted and reported as absent.
func (r *Repository) Load(ctx context.Context) (*domain.SessionRecord, error) {
	values, err := r.read(ctx, repository.SessionKeys...)
	if err != nil {
		return nil, err
	}

	access := values[repository.KeyAccessToken]
	rawUser := values[repository.KeyUser]
	sessionID := values[repository.KeySessionID]
	if access == "" && rawUser == "" && sessionID == "" {
		return nil, nil
	}
	if access == "" || rawUser == "" || sessionID == "" {
		r.logger.Warn("discarding partial session record",
			zap.Bool("has_access_token", access != ""),
			zap.Bool("has_user", rawUser != ""),
			zap.Bool("has_session_id", sessionID != ""),
		)
		return nil, r.Clear(ctx)
	}

	var user domain.UserIdentity
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		r.logger.Warn("discarding session record with unreadable user", zap.Error(err))
		return nil, r.Clear(ctx)
	}

	return &domain.SessionRecord{
		User: &user,
		Tokens: domain.TokenBundle{
			Access:  access,
			Refresh: values[repository.KeyRefreshToken],
			App:     values[repository.KeyAppToken],
		},
		SessionID:    sessionID,
		ExpiresAt:    parseTime(values[repository.KeySessionExpiresAt]),
		LastActivity: parseTime(values[repository.KeyLastActivity]),
		Source:       domain.Source(values[repository.KeySessionSource]),
		ValidatedAt:  parseTime(values[repository.KeyValidatedAt]),
	}, nil
}

// Save persists a complete record. Optional fields that are empty are
// removed so stale values cannot leak into the next Load.
func (r *Repository) Save(ctx context.Context, record *domain.SessionRecord) error {
	if !record.Complete() {
		return fmt.Errorf("persist session: record incomplete")
	}
	user, err := json.Marshal(record.User)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	values := map[string]string{
		repository.KeyAccessToken:      record.Tokens.Access,
		repository.KeyRefreshToken:     record.Tokens.Refresh,
		repository.KeyAppToken:         record.Tokens.App,
		repository.KeyUser:             string(user),
		repository.KeySessionID:        record.SessionID,
		repository.KeySessionExpiresAt: formatTime(record.ExpiresAt),
		repository.KeyLastActivity:     formatTime(record.LastActivity),
		repository.KeySessionSource:    string(record.Source),
		repository.KeyValidatedAt:      formatTime(record.ValidatedAt),
	}

	var empty []string
	for _, key := range repository.SessionKeys {
		v := values[key]
		if v == "" {
			empty = append(empty, key)
			continue
		}
		if err := r.store.Set(ctx, key, v); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	if len(empty) > 0 {
		if err := r.store.Delete(ctx, empty...); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	return nil
}

// Clear deletes every key of the record.
func (r *Repository) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, repository.SessionKeys...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// SessionID returns the stored session id without loading the record.
func (r *Repository) SessionID(ctx context.Context) (string, error) {
	values, err := r.read(ctx, repository.KeySessionID)
	if err != nil {
		return "", err
	}
	return values[repository.KeySessionID], nil
}

func (r *Repository) read(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", key, err)
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
