package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/coordinator/internal/persistence"
)

// Schema creates the documents table used by DocumentRepo
const Schema = `
CREATE TABLE IF NOT EXISTS coordinator_documents (
	kind       TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	payload    JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, key)
)`

// documentRow mirrors one table row
type documentRow struct {
	Kind      string    `db:"kind"`
	Key       string    `db:"key"`
	Version   int       `db:"version"`
	Payload   []byte    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r documentRow) toDocument() persistence.Document {
	return persistence.Document{
		Kind:      r.Kind,
		Key:       r.Key,
		Version:   r.Version,
		Payload:   r.Payload,
		UpdatedAt: r.UpdatedAt,
	}
}

// DocumentRepo implements persistence.Store for PostgreSQL
type DocumentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects with the lib/pq driver
func Open(dsn string, timeout time.Duration) (*DocumentRepo, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return NewDocumentRepo(db, timeout), nil
}

// NewDocumentRepo creates a repository on an existing handle
func NewDocumentRepo(db *sqlx.DB, timeout time.Duration) *DocumentRepo {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DocumentRepo{db: db, timeout: timeout}
}

// Migrate creates the table if it does not exist
func (r *DocumentRepo) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return nil
}

// Put upserts the document for kind/key
func (r *DocumentRepo) Put(ctx context.Context, doc persistence.Document) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO coordinator_documents (kind, key, version, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, key) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, doc.Kind, doc.Key, doc.Version, []byte(doc.Payload), doc.UpdatedAt)
	if err != nil {
		return &persistence.Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	return nil
}

// Get returns one document or nil when absent
func (r *DocumentRepo) Get(ctx context.Context, kind, key string) (*persistence.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, key, version, payload, updated_at
		FROM coordinator_documents
		WHERE kind = $1 AND key = $2`

	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, kind, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &persistence.Error{Op: "get", Kind: kind, Key: key, Err: err}
	}

	doc := row.toDocument()
	return &doc, nil
}

// List returns every document of one kind ordered by key
func (r *DocumentRepo) List(ctx context.Context, kind string) ([]persistence.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, key, version, payload, updated_at
		FROM coordinator_documents
		WHERE kind = $1
		ORDER BY key`

	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, kind); err != nil {
		return nil, &persistence.Error{Op: "list", Kind: kind, Err: err}
	}

	docs := make([]persistence.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDocument())
	}
	return docs, nil
}

// Ping checks connectivity
func (r *DocumentRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *DocumentRepo) Close() error {
	return r.db.Close()
}
