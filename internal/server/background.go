package server

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Background runs fn from lc start until lc stop. fn must return once its
// context is cancelled; stop waits for it or for the stop deadline.
func Background(lc fx.Lifecycle, name string, logger *zap.Logger, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = zap.L()
	}
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				if err := fn(runCtx); err != nil {
					logger.Error("background task stopped", zap.String("task", name), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
