// Package catalog provides the relational page catalog. Every indexed
// page gets a row so cleanup and reporting can work without scanning
// the vector index.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates no catalog rows matched.
var ErrNotFound = errors.New("catalog record not found")

// PageRow is one indexed page.
type PageRow struct {
	DocumentID string
	JobID      string
	FileID     string
	Filename   string
	PageNumber int
	ImageURL   string
	IndexedAt  time.Time
}

// Catalog records which pages each job has indexed.
type Catalog struct {
	db *sql.DB
}

// Open opens (and creates, if needed) a catalog database at the given
// path. Use ":memory:" for an ephemeral catalog.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pages (
			document_id TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL,
			file_id     TEXT NOT NULL,
			filename    TEXT NOT NULL,
			page_number INTEGER NOT NULL,
			image_url   TEXT NOT NULL,
			indexed_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pages_job ON pages(job_id);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// InsertPages records a batch of indexed pages in one transaction.
func (c *Catalog) InsertPages(ctx context.Context, rows []PageRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO pages
			(document_id, job_id, file_id, filename, page_number, image_url, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		indexedAt := row.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			row.DocumentID, row.JobID, row.FileID, row.Filename,
			row.PageNumber, row.ImageURL, indexedAt,
		); err != nil {
			return fmt.Errorf("insert page %s: %w", row.DocumentID, err)
		}
	}
	return tx.Commit()
}

// ListByJob returns the pages a job has indexed, ordered by file and page.
func (c *Catalog) ListByJob(ctx context.Context, jobID string) ([]PageRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT document_id, job_id, file_id, filename, page_number, image_url, indexed_at
		FROM pages WHERE job_id = ?
		ORDER BY file_id, page_number
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []PageRow
	for rows.Next() {
		var p PageRow
		if err := rows.Scan(
			&p.DocumentID, &p.JobID, &p.FileID, &p.Filename,
			&p.PageNumber, &p.ImageURL, &p.IndexedAt,
		); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CountByJob returns the number of pages a job has indexed.
func (c *Catalog) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE job_id = ?`, jobID,
	).Scan(&count)
	return count, err
}

// DeleteByJob removes every catalog row a job wrote and returns the
// number deleted.
func (c *Catalog) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM pages WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
