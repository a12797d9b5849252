package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent and applied on every open.
const schema = `
CREATE TABLE IF NOT EXISTS toolgate_instances (
	definition_id TEXT PRIMARY KEY,
	container_id  TEXT NOT NULL DEFAULT '',
	secret_dir    TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS toolgate_sessions (
	definition_id TEXT PRIMARY KEY,
	session_token TEXT NOT NULL DEFAULT '',
	last_used     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore persists gateway state in Postgres via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the DSN, verifies the connection and applies
// the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) SaveInstance(ctx context.Context, rec InstanceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO toolgate_instances (definition_id, container_id, secret_dir, state, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (definition_id) DO UPDATE SET
		  container_id=EXCLUDED.container_id,
		  secret_dir=EXCLUDED.secret_dir,
		  state=EXCLUDED.state,
		  updated_at=now()
	`, rec.DefinitionID, rec.ContainerID, rec.SecretDir, rec.State)
	return err
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, definitionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM toolgate_instances WHERE definition_id=$1`, definitionID)
	return err
}

func (s *PostgresStore) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT definition_id, container_id, secret_dir, state, updated_at
		FROM toolgate_instances
		ORDER BY definition_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		if err := rows.Scan(&rec.DefinitionID, &rec.ContainerID, &rec.SecretDir, &rec.State, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO toolgate_sessions (definition_id, session_token, last_used)
		VALUES ($1,$2,now())
		ON CONFLICT (definition_id) DO UPDATE SET
		  session_token=EXCLUDED.session_token,
		  last_used=now()
	`, rec.DefinitionID, rec.SessionToken)
	return err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, definitionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM toolgate_sessions WHERE definition_id=$1`, definitionID)
	return err
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT definition_id, session_token, last_used
		FROM toolgate_sessions
		ORDER BY definition_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.DefinitionID, &rec.SessionToken, &rec.LastUsed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
