package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-bridge/internal/domain"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := domain.NewError(domain.KindNetworkError, "validate token", errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("user validation: %w", err)

	require.ErrorIs(t, wrapped, domain.ErrNetwork)
	require.NotErrorIs(t, wrapped, domain.ErrUserTokenInvalid)
	require.Equal(t, domain.KindNetworkError, domain.KindOf(wrapped))
	require.Equal(t, domain.ErrorKind(""), domain.KindOf(errors.New("plain")))
}

func TestSessionRecordComplete(t *testing.T) {
	var nilRecord *domain.SessionRecord
	require.False(t, nilRecord.Complete())

	r := &domain.SessionRecord{User: &domain.UserIdentity{UserID: "u1"}, SessionID: "sess_1"}
	require.False(t, r.Complete())

	r.Tokens.Access = "at"
	require.True(t, r.Complete())

	clone := r.Clone()
	clone.User.UserID = "u2"
	require.Equal(t, "u1", r.User.UserID)
}
