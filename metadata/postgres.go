package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const createFilesTable = `
	CREATE TABLE IF NOT EXISTS files (
		hash         TEXT PRIMARY KEY,
		filename     TEXT NOT NULL,
		size         BIGINT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		tags         TEXT[] NOT NULL DEFAULT '{}',
		dedup_status TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS files_created_at_idx ON files (created_at DESC);
`

const selectColumns = `hash, filename, size, content_type, tags, dedup_status, created_at`

// PostgresStore keeps file records in PostgreSQL (or CockroachDB).
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database at connStr and creates the schema.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection test failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, createFilesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create files table: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenPostgres",
	}).Info("Connected to metadata database")

	return &PostgresStore{db: db}, nil
}

// PutFileRecord inserts or updates the record for rec.Hash.
func (p *PostgresStore) PutFileRecord(ctx context.Context, rec FileRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO files (hash, filename, size, content_type, tags, dedup_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO UPDATE SET
			filename = EXCLUDED.filename,
			size = EXCLUDED.size,
			content_type = EXCLUDED.content_type,
			tags = EXCLUDED.tags,
			dedup_status = EXCLUDED.dedup_status`
	_, err := p.db.ExecContext(ctx, query,
		strings.ToLower(rec.Hash), rec.Filename, rec.Size, rec.ContentType,
		pq.Array(nonNilTags(rec.Tags)), rec.DedupStatus, createdAt)
	if err != nil {
		return fmt.Errorf("failed to store file record: %w", err)
	}
	return nil
}

// GetFileRecord returns the record for hash.
func (p *PostgresStore) GetFileRecord(ctx context.Context, hash string) (*FileRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM files WHERE hash = $1`, strings.ToLower(hash))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("error retrieving file record: %w", err)
	}
	return rec, nil
}

// Search pre-filters candidates in SQL and ranks them with Similarity.
func (p *PostgresStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}

	pattern := "%" + escapeLike(q) + "%"
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM files
		WHERE filename ILIKE $1
		   OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE $1)
		ORDER BY created_at DESC
		LIMIT 500`, pattern)
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return rank(q, recs, limit), nil
}

// List returns records newest first.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM files ORDER BY created_at DESC, hash`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the number of records.
func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database handle.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*FileRecord, error) {
	var rec FileRecord
	var tags []string
	if err := s.Scan(&rec.Hash, &rec.Filename, &rec.Size, &rec.ContentType,
		pq.Array(&tags), &rec.DedupStatus, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Tags = tags
	rec.Timestamp = rec.CreatedAt.Unix()
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]FileRecord, error) {
	var out []FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return out, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// escapeLike escapes LIKE wildcards so the query matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
