package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-collab-docs/ot"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	current_version INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	data            JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_open_document
	ON sessions (document_id) WHERE status IN ('active', 'paused');
CREATE TABLE IF NOT EXISTS session_operations (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	version    INTEGER NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (session_id, version)
);
`

// PostgresRepository persists sessions in PostgreSQL so several server
// instances can share them. Pair it with a PostgresLocker.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the schema if needed.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func scanSession(row pgx.Row, id string) (*Session, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &s, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, id string) (*Session, error) {
	return scanSession(tx.QueryRow(ctx, `SELECT data FROM sessions WHERE id = $1 FOR UPDATE`, id), id)
}

func writeSessionRow(ctx context.Context, tx pgx.Tx, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", s.ID, err)
	}
	_, err = tx.Exec(ctx, `UPDATE sessions SET status = $2, current_version = $3, data = $4 WHERE id = $1`,
		s.ID, string(s.Status), s.CurrentVersion, data)
	return openConflict(s, err)
}

// openConflict maps a violation of the one-open-session-per-document index.
func openConflict(s *Session, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "sessions_open_document" {
		return fmt.Errorf("%w: document %q already has an open session", ErrSessionExists, s.DocumentID)
	}
	return err
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", s.ID, err)
	}
	tag, err := r.pool.Exec(ctx, `INSERT INTO sessions (id, document_id, status, current_version, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		s.ID, s.DocumentID, string(s.Status), s.CurrentVersion, s.CreatedAt, data)
	if err != nil {
		return openConflict(s, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE id = $1`, id), id)
}

func (r *PostgresRepository) Update(ctx context.Context, s *Session) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		stored, err := lockSession(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if s.CurrentVersion != stored.CurrentVersion {
			return fmt.Errorf("%w: update of %q would move version %d to %d",
				ErrVersionConflict, s.ID, stored.CurrentVersion, s.CurrentVersion)
		}
		return writeSessionRow(ctx, tx, s)
	})
}

func (r *PostgresRepository) AppendOperation(ctx context.Context, id string, op ot.VersionedOperation) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkNextVersion(s, op); err != nil {
			return err
		}
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO session_operations (session_id, version, data) VALUES ($1, $2, $3)`,
			id, op.Version, data); err != nil {
			return fmt.Errorf("insert operation %d of %q: %w", op.Version, id, err)
		}
		s.CurrentVersion = op.Version
		s.UpdatedAt = op.Timestamp
		return writeSessionRow(ctx, tx, s)
	})
}

// queryOperations runs query for session id, reporting ErrSessionNotFound
// for unknown sessions rather than an empty history.
func (r *PostgresRepository) queryOperations(ctx context.Context, id, query string, args ...any) ([]ot.VersionedOperation, error) {
	var result []ot.VersionedOperation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return sessionNotFound(id)
		}
		rows, err := tx.Query(ctx, query, append([]any{id}, args...)...)
		if err != nil {
			return err
		}
		raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return err
		}
		result = make([]ot.VersionedOperation, len(raw))
		for i, data := range raw {
			if err := json.Unmarshal(data, &result[i]); err != nil {
				return fmt.Errorf("decode operation of %q: %w", id, err)
			}
		}
		return nil
	})
	return result, err
}

func (r *PostgresRepository) OperationsSince(ctx context.Context, id string, version int) ([]ot.VersionedOperation, error) {
	return r.queryOperations(ctx, id, `SELECT data FROM session_operations
		WHERE session_id = $1 AND version > $2 ORDER BY version`, version)
}

func (r *PostgresRepository) RecentOperations(ctx context.Context, id string, limit int) ([]ot.VersionedOperation, error) {
	var n *int // LIMIT NULL returns every row
	if limit > 0 {
		n = &limit
	}
	return r.queryOperations(ctx, id, `SELECT data FROM session_operations
		WHERE session_id = $1 ORDER BY version DESC LIMIT $2`, n)
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, data FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode session %q: %w", id, err)
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) ActiveForDocument(ctx context.Context, documentID string) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT data FROM sessions
		WHERE document_id = $1 AND status IN ('active', 'paused')`, documentID), "")
	if errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: no open session on document %q", ErrSessionNotFound, documentID)
	}
	return s, err
}

// PostgresLocker holds a PostgreSQL advisory lock for each key, so
// instances sharing a database serialize work on the same session.
// Callers in the same process queue on a local lock first and hold at most
// one connection per key.
type PostgresLocker struct {
	pool  *pgxpool.Pool
	local *keyedMutex
}

// NewPostgresLocker returns a locker drawing connections from pool. Each
// held lock pins one connection, so pool should not be the pool used for
// queries made while the lock is held.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool, local: newKeyedMutex()}
}

func (l *PostgresLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	lockKey := "collabdocs/" + key
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		conn.Release()
		unlockLocal()
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, lockKey); err != nil {
			// Closing the connection drops every advisory lock it holds.
			conn.Conn().Close(context.Background())
		}
		conn.Release()
		unlockLocal()
	}, nil
}
