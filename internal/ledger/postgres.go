package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgErrUniqueViolation = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS launches (
	id          TEXT PRIMARY KEY,
	instance_id INTEGER NOT NULL,
	token_key   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	name        TEXT NOT NULL,
	chain       TEXT NOT NULL,
	launchpad   TEXT NOT NULL,
	agent       TEXT NOT NULL,
	post_id     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	launched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS launches_instance_time ON launches (instance_id, launched_at DESC);
`

// querier is the subset of pgxpool.Pool the sink uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink writes entries to the launches table.
type PostgresSink struct {
	db   querier
	pool *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresSink{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the launches table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure launches schema: %w", err)
	}
	return nil
}

// Insert adds e. Re-inserting the same id is not an error.
func (s *PostgresSink) Insert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO launches (
			id, instance_id, token_key, symbol, name, chain, launchpad, agent, post_id, source, launched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query,
		e.ID,
		e.InstanceID,
		e.TokenKey,
		e.Symbol,
		e.Name,
		e.Chain,
		e.Launchpad,
		e.Agent,
		e.PostID,
		e.Source,
		e.LaunchedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert launch: %w", err)
	}
	return nil
}

// Recent reads up to limit entries for instanceID, newest first.
func (s *PostgresSink) Recent(ctx context.Context, instanceID, limit int) ([]Entry, error) {
	query := `
		SELECT id, instance_id, token_key, symbol, name, chain, launchpad, agent, post_id, source, launched_at
		FROM launches
		WHERE ($1 = 0 OR instance_id = $1)
		ORDER BY launched_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query launches: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.TokenKey, &e.Symbol, &e.Name, &e.Chain,
			&e.Launchpad, &e.Agent, &e.PostID, &e.Source, &e.LaunchedAt); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks connectivity.
func (s *PostgresSink) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
