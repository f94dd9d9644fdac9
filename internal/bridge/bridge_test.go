package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/bridge"
	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

var (
	t0   = time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC)
	opts = cookie.Options{Domain: "smallbiznisapp.io"}
)

type side struct {
	store   *repository.MemoryStore
	cookies cookie.Store
	bridge  *bridge.Bridge
}

func newSide(t *testing.T, clk clock.Clock, jar *cookie.Jar, host string) side {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	repo := session.NewRepository(store, zap.NewNop())
	policy := session.NewPolicy(session.Options{Clock: clk, SessionTTL: 24 * time.Hour, InactivityWindow: 4 * time.Hour}, repo, nil, zap.NewNop())
	cookies := jar.ForHost(host, opts)
	return side{
		store:   store,
		cookies: cookies,
		bridge:  bridge.New(cookies, policy, session.NewIDGenerator(node), 24*time.Hour, zap.NewNop()),
	}
}

func seed(t *testing.T, store *repository.MemoryStore, values map[string]string) {
	t.Helper()
	for k, v := range values {
		require.NoError(t, store.Set(context.Background(), k, v))
	}
}

func TestPushMintsSessionIDAndMirrors(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	jar := cookie.NewJar(clk)
	auth := newSide(t, clk, jar, "auth.smallbiznisapp.io")
	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken: "at-1",
		repository.KeyUser:        `{"user_id":"u-1"}`,
	})

	require.NoError(t, auth.bridge.PushToCookies(ctx))

	id, ok, err := auth.store.Get(ctx, repository.KeySessionID)
	require.NoError(t, err)
	require.True(t, ok)
	got, ok := auth.cookies.Get(cookie.SessionID)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok = auth.cookies.Get(cookie.RefreshToken)
	require.False(t, ok)

	require.NoError(t, auth.bridge.PushToCookies(ctx))
	again, _, _ := auth.store.Get(ctx, repository.KeySessionID)
	require.Equal(t, id, again)
}

func TestPushNeverReusesExpiredSessionID(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	auth := newSide(t, clk, cookie.NewJar(clk), "auth.smallbiznisapp.io")
	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken:      "at-1",
		repository.KeyUser:             `{"user_id":"u-1"}`,
		repository.KeySessionID:        "sess_old",
		repository.KeySessionExpiresAt: t0.Add(-time.Minute).Format(time.RFC3339Nano),
	})

	require.NoError(t, auth.bridge.PushToCookies(ctx))

	id, _, _ := auth.store.Get(ctx, repository.KeySessionID)
	require.NotEqual(t, "sess_old", id)
	got, _ := auth.cookies.Get(cookie.SessionID)
	require.Equal(t, id, got)
}

func TestPullCopiesCompleteSetOnly(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	jar := cookie.NewJar(clk)
	auth := newSide(t, clk, jar, "auth.smallbiznisapp.io")
	dash := newSide(t, clk, jar, "app.smallbiznisapp.io")

	auth.cookies.Set(cookie.AccessToken, "at-1", time.Hour)
	ok, err := dash.bridge.PullFromCookies(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, dash.store.Len())

	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken:  "at-1",
		repository.KeyRefreshToken: "rt-1",
		repository.KeyUser:         `{"user_id":"u-1","roles":["owner"]}`,
	})
	require.NoError(t, auth.bridge.PushToCookies(ctx))

	ok, err = dash.bridge.PullFromCookies(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	for _, key := range []string{repository.KeyAccessToken, repository.KeyRefreshToken, repository.KeyUser, repository.KeySessionID} {
		want, _, _ := auth.store.Get(ctx, key)
		got, _, _ := dash.store.Get(ctx, key)
		require.Equal(t, want, got, key)
	}

	ok, err = dash.bridge.PullFromCookies(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompleteSetIsMirroredExactly(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	jar := cookie.NewJar(clk)
	auth := newSide(t, clk, jar, "auth.smallbiznisapp.io")
	dash := newSide(t, clk, jar, "app.smallbiznisapp.io")

	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken:  "at-1",
		repository.KeyRefreshToken: "rt-1",
		repository.KeyAppToken:     "app-1",
		repository.KeyUser:         `{"user_id":"u-1"}`,
	})
	require.NoError(t, auth.bridge.PushToCookies(ctx))
	ok, err := dash.bridge.PullFromCookies(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, auth.store.Delete(ctx, repository.KeyRefreshToken, repository.KeyAppToken))
	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken: "at-2",
		repository.KeyUser:        `{"user_id":"u-2"}`,
	})
	require.NoError(t, auth.bridge.PushToCookies(ctx))
	_, ok = auth.cookies.Get(cookie.RefreshToken)
	require.False(t, ok)
	_, ok = auth.cookies.Get(cookie.AppToken)
	require.False(t, ok)

	ok, err = dash.bridge.PullFromCookies(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	got, _, _ := dash.store.Get(ctx, repository.KeyAccessToken)
	require.Equal(t, "at-2", got)
	for _, key := range []string{repository.KeyRefreshToken, repository.KeyAppToken} {
		_, ok, err := dash.store.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, key)
	}
}

func TestIncompleteLocalSetKeepsCookies(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	jar := cookie.NewJar(clk)
	auth := newSide(t, clk, jar, "auth.smallbiznisapp.io")
	dash := newSide(t, clk, jar, "app.smallbiznisapp.io")

	auth.cookies.Set(cookie.RefreshToken, "rt-1", time.Hour)
	seed(t, dash.store, map[string]string{repository.KeyAccessToken: "at-1"})
	require.NoError(t, dash.bridge.PushToCookies(ctx))

	got, ok := dash.cookies.Get(cookie.RefreshToken)
	require.True(t, ok)
	require.Equal(t, "rt-1", got)
}

func TestClearRemovesMirroredCookies(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	jar := cookie.NewJar(clk)
	auth := newSide(t, clk, jar, "auth.smallbiznisapp.io")
	seed(t, auth.store, map[string]string{
		repository.KeyAccessToken: "at-1",
		repository.KeyUser:        `{"user_id":"u-1"}`,
	})
	require.NoError(t, auth.bridge.PushToCookies(ctx))
	require.Equal(t, 3, jar.Len())

	auth.bridge.Clear()
	require.Equal(t, 0, jar.Len())
}
