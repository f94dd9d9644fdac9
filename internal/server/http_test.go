package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestServeStopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHTTPServer(r, zap.NewNop()).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewHTTPServerConfiguresEngine(t *testing.T) {
	r := gin.New()
	s := NewHTTPServer(r, nil)
	require.True(t, s.Engine.HandleMethodNotAllowed)
	require.True(t, s.Engine.ForwardedByClientIP)
}

func TestBackgroundStopsWithLifecycle(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	started := make(chan struct{})
	var stopped atomic.Bool
	Background(lc, "probe", zap.NewNop(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})

	lc.RequireStart()
	<-started
	lc.RequireStop()
	require.True(t, stopped.Load())
}
