//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/adapter/cache"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/session"
)

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := repository.Namespace(cache.NewRedisStore(newRedis(t), time.Minute), "it:"+time.Now().Format(time.RFC3339Nano))

	_, ok, err := store.Get(ctx, repository.KeyUser)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, repository.KeyUser, `{"user_id":"u-1"}`))
	v, ok, err := store.Get(ctx, repository.KeyUser)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"user_id":"u-1"}`, v)

	require.NoError(t, store.Delete(ctx, repository.KeyUser, repository.KeySessionID))
	_, ok, err = store.Get(ctx, repository.KeyUser)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisHubDeliversEvents(t *testing.T) {
	hub := cache.NewRedisHub(newRedis(t), zap.NewNop())
	ch := hub.Channel("it:" + time.Now().Format(time.RFC3339Nano))

	got := make(chan session.Event, 1)
	unsubscribe := ch.Subscribe(func(e session.Event) { got <- e })
	defer unsubscribe()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ch.Publish(context.Background(), session.Event{Kind: session.EventLoggedOut, At: time.Now().UTC()}))
	select {
	case e := <-got:
		require.Equal(t, session.EventLoggedOut, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
