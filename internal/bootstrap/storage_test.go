package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/repository"
)

type recordingDB struct {
	statements []string
	err        error
}

func (d *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.statements = append(d.statements, sql)
	return pgconn.CommandTag{}, d.err
}

func (d *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

type fakePurger struct {
	cutoffs []time.Time
	rows    int64
	err     error
}

func (p *fakePurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.rows, p.err
}

func TestEnsureSchemaRunsOnStart(t *testing.T) {
	db := &recordingDB{}
	lc := fxtest.NewLifecycle(t)
	EnsureSchema(lc, db, zap.NewNop())
	require.Empty(t, db.statements)

	lc.RequireStart()
	require.Equal(t, []string{repository.CreateLocalStorageTableSQL}, db.statements)
	lc.RequireStop()
}

func TestEnsureSchemaFailureAbortsStart(t *testing.T) {
	db := &recordingDB{err: errors.New("permission denied")}
	lc := fxtest.NewLifecycle(t)
	EnsureSchema(lc, db, zap.NewNop())
	require.Error(t, lc.Start(context.Background()))
}

func TestPurgeOnceUsesTTLCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &fakePurger{rows: 4}
	n, err := PurgeOnce(context.Background(), p, PurgeOptions{TTL: 24 * time.Hour, Clock: clock.Fake(now)}, zap.NewNop())
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, p.cutoffs)
}

func TestPurgeOnceReportsError(t *testing.T) {
	p := &fakePurger{err: errors.New("db down")}
	_, err := PurgeOnce(context.Background(), p, PurgeOptions{TTL: time.Hour}, zap.NewNop())
	require.Error(t, err)
}

func TestStartPurgerRunsUntilStop(t *testing.T) {
	p := &fakePurger{}
	lc := fxtest.NewLifecycle(t)
	StartPurger(lc, p, PurgeOptions{TTL: time.Hour, Interval: 10 * time.Millisecond}, zap.NewNop())
	lc.RequireStart()
	time.Sleep(60 * time.Millisecond)
	lc.RequireStop()
	require.NotEmpty(t, p.cutoffs)
}

func TestStartPurgerDisabledWithoutTTL(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	StartPurger(lc, &fakePurger{}, PurgeOptions{Interval: time.Second}, zap.NewNop())
	lc.RequireStart()
	lc.RequireStop()
}
