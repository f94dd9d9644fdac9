// Package bootstrap prepares durable origin storage when a server starts.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/repository"
	"github.com/smallbiznis/valora-bridge/internal/server"
)

// Purger drops local values that have not been written for a while.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeOptions controls the background purge loop.
type PurgeOptions struct {
	// TTL is how long an untouched value survives. Zero disables purging.
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
}

// EnsureSchema creates the local storage table on start.
func EnsureSchema(lc fx.Lifecycle, db repository.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ensureSchema(ctx, db); err != nil {
				return err
			}
			logger.Info("local storage schema ready")
			return nil
		},
	})
}

func ensureSchema(ctx context.Context, db repository.DB) error {
	if _, err := db.Exec(ctx, repository.CreateLocalStorageTableSQL); err != nil {
		return fmt.Errorf("bootstrap local storage schema: %w", err)
	}
	return nil
}

// StartPurger runs PurgeOnce every opts.Interval between start and stop.
func StartPurger(lc fx.Lifecycle, p Purger, opts PurgeOptions, logger *zap.Logger) {
	if opts.TTL <= 0 || opts.Interval <= 0 {
		return
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	server.Background(lc, "local-storage-purge", logger, func(ctx context.Context) error {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_, _ = PurgeOnce(ctx, p, opts, logger)
			}
		}
	})
}

// PurgeOnce removes values older than opts.TTL.
func PurgeOnce(ctx context.Context, p Purger, opts PurgeOptions, logger *zap.Logger) (int64, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cutoff := clk.Now().Add(-opts.TTL)
	n, err := p.Purge(ctx, cutoff)
	if err != nil {
		logger.Warn("local storage purge failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		logger.Info("local storage purged", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
