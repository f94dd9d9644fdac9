package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

func TestModuleGraphIsComplete(t *testing.T) {
	for _, self := range []domain.Source{domain.SourceAuth, domain.SourceDashboard} {
		require.NoError(t, fx.ValidateApp(Module(self)), self)
	}
}

func TestNodeIDPerOrigin(t *testing.T) {
	require.EqualValues(t, 1, nodeID(config.Config{}, domain.SourceAuth))
	require.EqualValues(t, 2, nodeID(config.Config{}, domain.SourceDashboard))
	require.EqualValues(t, 7, nodeID(config.Config{NodeID: 7}, domain.SourceDashboard))
}

func TestMemoryStorage(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	s, err := newStorage(lc, config.Config{StoreDriver: config.StoreMemory}, clock.Real(), zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &repository.MemoryStore{}, s.Store)
	require.IsType(t, &session.MemoryHub{}, s.Hub)
	lc.RequireStart().RequireStop()
}

func TestCredentialManagerUsesAppNamespace(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	raw := `{"token":"app-tok","issued_at":"2026-03-01T08:30:00Z","expires_at":"2026-03-01T10:00:00Z"}`
	require.NoError(t, store.Set(ctx, "dashboard:app:"+repository.KeyAppCredential, raw))

	cfg := config.Config{AppClientID: "id", AppClientSecret: "secret"}
	dash := newCredentialManager(nil, store, cfg, domain.SourceDashboard, clock.Fake(now), zap.NewNop())
	cred := dash.Credential(ctx)
	require.NotNil(t, cred)
	require.Equal(t, "app-tok", cred.Token)

	auth := newCredentialManager(nil, store, cfg, domain.SourceAuth, clock.Fake(now), zap.NewNop())
	require.Nil(t, auth.Credential(ctx))
}
