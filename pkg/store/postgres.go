package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cowrite/pkg/history"
	"cowrite/pkg/op"
)

// Postgres backs both the snapshot store and the version log with a
// pgx connection pool. One row per document, one row per version.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The caller owns the pool's lifecycle.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the schema if it is missing.
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			content    JSONB NOT NULL,
			version    BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS document_versions (
			document_id TEXT NOT NULL REFERENCES documents(id),
			version     BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			author_id   TEXT NOT NULL,
			author_name TEXT NOT NULL,
			operations  JSONB NOT NULL,
			PRIMARY KEY (document_id, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// CreateDocument implements Persistence.
func (p *Postgres) CreateDocument(ctx context.Context, r Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, title, content, version) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Title, r.Content, r.Version)
	if err != nil {
		return fmt.Errorf("create document %s: %w", r.ID, err)
	}
	return nil
}

// LoadDocument implements Persistence.
func (p *Postgres) LoadDocument(ctx context.Context, id string) (Record, error) {
	r := Record{ID: id}
	err := p.pool.QueryRow(ctx,
		`SELECT title, content, version, created_at, updated_at FROM documents WHERE id = $1`,
		id).Scan(&r.Title, &r.Content, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, &NotFoundError{DocumentID: id}
	}
	if err != nil {
		return Record{}, fmt.Errorf("load document %s: %w", id, err)
	}
	return r, nil
}

// SaveDocument implements Persistence.
func (p *Postgres) SaveDocument(ctx context.Context, id string, content []byte, version int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET content = $2, version = $3, updated_at = now() WHERE id = $1`,
		id, content, version)
	if err != nil {
		return fmt.Errorf("save document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{DocumentID: id}
	}
	return nil
}

// ListDocuments implements Persistence.
func (p *Postgres) ListDocuments(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, title, version, created_at, updated_at FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// Append implements history.Store.
func (p *Postgres) Append(ctx context.Context, documentID string, v history.Version) error {
	ops, err := json.Marshal(v.Ops)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO document_versions (document_id, version, created_at, author_id, author_name, operations)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		documentID, v.Version, v.Timestamp, v.AuthorID, v.AuthorName, ops)
	if err != nil {
		return fmt.Errorf("append version %d for %s: %w", v.Version, documentID, err)
	}
	return nil
}

// List implements history.Store.
func (p *Postgres) List(ctx context.Context, documentID string) ([]history.Version, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version, created_at, author_id, author_name, operations
		 FROM document_versions WHERE document_id = $1 ORDER BY version ASC`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []history.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", documentID, err)
	}
	return out, nil
}

// Get implements history.Store.
func (p *Postgres) Get(ctx context.Context, documentID string, version int64) (history.Version, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version, created_at, author_id, author_name, operations
		 FROM document_versions WHERE document_id = $1 AND version = $2`,
		documentID, version)
	if err != nil {
		return history.Version{}, fmt.Errorf("get version %d for %s: %w", version, documentID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return history.Version{}, fmt.Errorf("get version %d for %s: %w", version, documentID, err)
		}
		return history.Version{}, &history.NotFoundError{DocumentID: documentID, Version: version}
	}
	return scanVersion(rows)
}

func scanVersion(rows pgx.Rows) (history.Version, error) {
	var (
		v   history.Version
		ops []byte
	)
	if err := rows.Scan(&v.Version, &v.Timestamp, &v.AuthorID, &v.AuthorName, &ops); err != nil {
		return history.Version{}, fmt.Errorf("scan version row: %w", err)
	}
	if err := json.Unmarshal(ops, &v.Ops); err != nil {
		return history.Version{}, fmt.Errorf("decode operations for version %d: %w", v.Version, err)
	}
	if v.Ops == nil {
		v.Ops = []op.Operation{}
	}
	return v, nil
}
