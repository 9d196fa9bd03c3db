package errorreports

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// SQLiteIndex is an optional, fully rebuildable query index over the
// append-only JSONL error-report log. It is never the source of truth —
// Rebuild can always reconstruct it from the day-files — so losing it is
// never a data-loss event, only a dropped query convenience.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if absent) a SQLite index database at
// dbPath.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite index directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := createIndexSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func createIndexSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS error_reports (
		error_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		error_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		status_updated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_error_reports_status ON error_reports(status);
	CREATE INDEX IF NOT EXISTS idx_error_reports_severity ON error_reports(severity);
	`)
	return err
}

// Rebuild truncates the index and replays every day-file under dir
// through it. Safe to call at startup or on demand; the JSONL log is
// always the authority.
func (idx *SQLiteIndex) Rebuild(ctx context.Context, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("listing error-reports directory: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM error_reports"); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO error_reports (error_id, status, severity, error_type, created_at, status_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_id) DO UPDATE SET
			status = excluded.status,
			status_updated_at = excluded.status_updated_at
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		reports, err := readAll(f)
		if err != nil {
			return err
		}
		for _, r := range reports {
			if _, err := stmt.ExecContext(ctx, r.ErrorID, r.Status, r.Severity, r.ErrorType, r.CreatedAt, r.StatusUpdatedAt); err != nil {
				return fmt.Errorf("indexing report %s: %w", r.ErrorID, err)
			}
		}
	}

	return tx.Commit()
}

// IndexOne upserts a single report's row, keeping the index current after
// Submit or UpdateStatus without a full Rebuild.
func (idx *SQLiteIndex) IndexOne(ctx context.Context, r *domain.ErrorReport) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO error_reports (error_id, status, severity, error_type, created_at, status_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_id) DO UPDATE SET
			status = excluded.status,
			status_updated_at = excluded.status_updated_at
	`, r.ErrorID, r.Status, r.Severity, r.ErrorType, r.CreatedAt, r.StatusUpdatedAt)
	if err != nil {
		return fmt.Errorf("indexing report %s: %w", r.ErrorID, err)
	}
	return nil
}

// List resolves a list(filters) query to matching error_ids, newest first,
// capped at limit. Any of status/severity/errorType may be left zero-valued
// to mean "no constraint" on that column (spec §4.7).
func (idx *SQLiteIndex) List(ctx context.Context, status domain.ReportStatus, severity domain.ErrorSeverity, errorType domain.ErrorType, limit int) ([]string, error) {
	var where []string
	var args []interface{}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if severity != "" {
		where = append(where, "severity = ?")
		args = append(args, severity)
	}
	if errorType != "" {
		where = append(where, "error_type = ?")
		args = append(args, errorType)
	}

	query := "SELECT error_id FROM error_reports"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning error_id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus returns the number of indexed reports per status, a cheap
// aggregate query the JSONL log alone cannot answer without a full scan.
func (idx *SQLiteIndex) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM error_reports GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Close releases the underlying database handle.
func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}
