package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStorage persists credentials in <schema>.session_kv, keyed by profile.
// A profile lets several agents on one host share a database without sharing a session.
//
// Ownership: the caller owns the pool; Close is a no-op.
type PostgresStorage struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
}

// NewPostgresStorage builds a storage on pool. Schema defaults to "hms", profile to "default".
func NewPostgresStorage(pool *pgxpool.Pool, schema, profile string) (*PostgresStorage, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	if schema == "" {
		schema = "hms"
	}
	if !schemaNameRe.MatchString(schema) {
		return nil, fmt.Errorf("%w: invalid schema %q", ErrConfig, schema)
	}
	if profile == "" {
		profile = "default"
	}
	return &PostgresStorage{pool: pool, schema: schema, profile: profile}, nil
}

// EnsureSchema creates the schema and table when missing.
func (p *PostgresStorage) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;
		CREATE TABLE IF NOT EXISTS %[1]s.session_kv (
			profile    text        NOT NULL,
			key        text        NOT NULL,
			value      bytea       NOT NULL,
			updated_at timestamptz NOT NULL,
			PRIMARY KEY (profile, key)
		);
	`, p.schema))
	if err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresStorage) Put(ctx context.Context, entries map[string][]byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := fmt.Sprintf(`
		INSERT INTO %s.session_kv (profile, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, p.schema)

	for k, v := range entries {
		if _, err := tx.Exec(ctx, q, p.profile, k, v, now); err != nil {
			return fmt.Errorf("postgres: put %s: %w", k, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStorage) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT key, value FROM %s.session_kv
		WHERE profile = $1 AND key = ANY($2)
	`, p.schema), p.profile, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.session_kv WHERE profile = $1 AND key = ANY($2)
	`, p.schema), p.profile, keys)
	return err
}

func (p *PostgresStorage) Close() error { return nil }

// NewPool builds a pgxpool and verifies connectivity within timeout.
func NewPool(ctx context.Context, databaseURL string, maxConns int32, timeout time.Duration) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
