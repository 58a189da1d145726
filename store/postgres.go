package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	content        TEXT NOT NULL,
	version        INTEGER NOT NULL,
	owner_id       TEXT NOT NULL DEFAULT '',
	public         BOOLEAN NOT NULL DEFAULT FALSE,
	collaborators  JSONB NOT NULL DEFAULT '{}',
	last_edited_by TEXT NOT NULL DEFAULT '',
	last_edited_at TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS document_snapshots (
	seq         BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version     INTEGER NOT NULL,
	content     TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS document_snapshots_document_id ON document_snapshots (document_id, seq);
`

// PostgresStore is a PostgreSQL-backed implementation of DocumentStore.
// Every mutation locks the document row for the length of its transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the schema if needed and returns a store using pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadDocument(ctx context.Context, q querier, id string, forUpdate bool) (*Document, error) {
	query := `SELECT content, version, owner_id, public, collaborators, last_edited_by,
		last_edited_at, created_at, updated_at FROM documents WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	doc := &Document{ID: id}
	var collaborators []byte
	var lastEditedAt *time.Time
	err := q.QueryRow(ctx, query, id).Scan(
		&doc.Content, &doc.Version, &doc.Permissions.OwnerID, &doc.Permissions.Public,
		&collaborators, &doc.LastEditedBy, &lastEditedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	if lastEditedAt != nil {
		doc.LastEditedAt = *lastEditedAt
	}
	if len(collaborators) > 0 {
		if err := json.Unmarshal(collaborators, &doc.Permissions.Collaborators); err != nil {
			return nil, fmt.Errorf("decode collaborators of %q: %w", id, err)
		}
		if len(doc.Permissions.Collaborators) == 0 {
			doc.Permissions.Collaborators = nil
		}
	}

	rows, err := q.Query(ctx, `SELECT version, content, created_by, created_at
		FROM document_snapshots WHERE document_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Version, &s.Content, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		doc.Snapshots = append(doc.Snapshots, s)
	}
	return doc, rows.Err()
}

const insertDocument = `INSERT INTO documents
	(id, content, version, owner_id, public, collaborators, last_edited_by, last_edited_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// documentRow returns the column values of doc in insertDocument order.
func documentRow(doc *Document) ([]any, error) {
	collaborators, err := json.Marshal(doc.Permissions.Collaborators)
	if err != nil {
		return nil, err
	}
	if doc.Permissions.Collaborators == nil {
		collaborators = []byte("{}")
	}
	var lastEditedAt *time.Time
	if !doc.LastEditedAt.IsZero() {
		lastEditedAt = &doc.LastEditedAt
	}
	return []any{doc.ID, doc.Content, doc.Version, doc.Permissions.OwnerID, doc.Permissions.Public,
		collaborators, doc.LastEditedBy, lastEditedAt, doc.CreatedAt, doc.UpdatedAt}, nil
}

func saveDocument(ctx context.Context, q querier, doc *Document) error {
	row, err := documentRow(doc)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, insertDocument+`
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			owner_id = EXCLUDED.owner_id,
			public = EXCLUDED.public,
			collaborators = EXCLUDED.collaborators,
			last_edited_by = EXCLUDED.last_edited_by,
			last_edited_at = EXCLUDED.last_edited_at,
			updated_at = EXCLUDED.updated_at`, row...)
	if err != nil {
		return fmt.Errorf("upsert document %q: %w", doc.ID, err)
	}

	// Snapshots are few, so rewrite them wholesale.
	if _, err := q.Exec(ctx, `DELETE FROM document_snapshots WHERE document_id = $1`, doc.ID); err != nil {
		return err
	}
	for _, s := range doc.Snapshots {
		if _, err := q.Exec(ctx, `INSERT INTO document_snapshots
			(document_id, version, content, created_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, s.Version, s.Content, s.CreatedBy, s.CreatedAt); err != nil {
			return fmt.Errorf("insert snapshot of %q: %w", doc.ID, err)
		}
	}
	return nil
}

// mutate runs fn against the locked document row and writes the result back.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(doc *Document) error) (*Document, error) {
	var out *Document
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		doc, err := loadDocument(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		out = doc
		return saveDocument(ctx, tx, doc)
	})
	return out, err
}

func (s *PostgresStore) Create(ctx context.Context, id, content string, perms Permissions) error {
	row, err := documentRow(newDocument(id, content, perms, time.Now()))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, insertDocument+` ON CONFLICT (id) DO NOTHING`, row...)
	if err != nil {
		return fmt.Errorf("insert document %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return alreadyExists(id)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	return loadDocument(ctx, s.pool, id, false)
}

func (s *PostgresStore) List(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	result := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := loadDocument(ctx, s.pool, id, false)
		if errors.Is(err, ErrDocumentNotFound) {
			continue // deleted since listing
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *doc)
	}
	return result, nil
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id, content, editorID string) (int, error) {
	doc, err := s.mutate(ctx, id, func(doc *Document) error {
		doc.updateContent(content, editorID, time.Now())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, id, userID string) (Snapshot, error) {
	var snap Snapshot
	_, err := s.mutate(ctx, id, func(doc *Document) error {
		snap = doc.createSnapshot(userID, time.Now())
		return nil
	})
	return snap, err
}

func (s *PostgresStore) RestoreSnapshot(ctx context.Context, id string, version int, userID string) (*Document, error) {
	return s.mutate(ctx, id, func(doc *Document) error {
		return doc.restoreSnapshot(version, userID, time.Now())
	})
}

func (s *PostgresStore) SetPermissions(ctx context.Context, id string, perms Permissions) error {
	_, err := s.mutate(ctx, id, func(doc *Document) error {
		doc.Permissions = perms.clone()
		doc.UpdatedAt = time.Now()
		return nil
	})
	return err
}

func (s *PostgresStore) Save(ctx context.Context, doc *Document) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return saveDocument(ctx, tx, doc)
	})
}
