package repository

import (
	"context"
)

// Keys of the origin-local credential store.
const (
	KeyAccessToken       = "access_token"
	KeyRefreshToken      = "refresh_token"
	KeyAppToken          = "app_token"
	KeyUser              = "user"
	KeySessionID         = "session_id"
	KeySessionExpiresAt  = "session_expires_at"
	KeyLastActivity      = "last_activity"
	KeySessionSource     = "session_source"
	KeyValidatedAt       = "session_validated_at"
	KeyPendingTransition = "pending_transition"
	KeyAppCredential     = "app_credential"
)

// SessionKeys lists every key that makes up a persisted session record.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyAppToken,
	KeyUser,
	KeySessionID,
	KeySessionExpiresAt,
	KeyLastActivity,
	KeySessionSource,
	KeyValidatedAt,
}

// LocalStore is the durable key/value storage private to one origin.
// Writes are atomic per key only.
type LocalStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Namespace scopes every key of store under ns.
func Namespace(store LocalStore, ns string) LocalStore {
	if ns == "" {
		return store
	}
	return &namespaced{inner: store, prefix: ns + ":"}
}

type namespaced struct {
	inner  LocalStore
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, keys ...string) error {
	scoped := make([]string, len(keys))
	for i, k := range keys {
		scoped[i] = n.prefix + k
	}
	return n.inner.Delete(ctx, scoped...)
}
