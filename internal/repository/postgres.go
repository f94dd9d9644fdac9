package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateLocalStorageTableSQL creates the table backing PostgresStore.
const CreateLocalStorageTableSQL = `CREATE TABLE IF NOT EXISTS origin_local_storage (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	selectLocalValueSQL = `SELECT value FROM origin_local_storage WHERE key = $1`
	upsertLocalValueSQL = `INSERT INTO origin_local_storage (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	deleteLocalValuesSQL = `DELETE FROM origin_local_storage WHERE key = ANY($1)`
	purgeLocalValuesSQL  = `DELETE FROM origin_local_storage WHERE updated_at < $1`
)

// PostgresStore implements LocalStore on a single key/value table.
type PostgresStore struct {
	db DB
}

var _ LocalStore = (*PostgresStore)(nil)

// NewPostgresStore constructs a store on db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	if err := s.db.QueryRow(ctx, selectLocalValueSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load local value: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.Exec(ctx, upsertLocalValueSQL, key, value); err != nil {
		return fmt.Errorf("persist local value: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, deleteLocalValuesSQL, keys); err != nil {
		return fmt.Errorf("delete local values: %w", err)
	}
	return nil
}

// Purge removes values not written since before cutoff and returns how many
// rows were dropped.
func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeLocalValuesSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge local values: %w", err)
	}
	return tag.RowsAffected(), nil
}
