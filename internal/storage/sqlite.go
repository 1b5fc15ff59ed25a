// Package storage keeps a queryable history of archive sessions in SQLite,
// alongside the JSON logs written to the output tree.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/masahif/sitemirror/internal/archive"
	"github.com/masahif/sitemirror/internal/discover"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID         string
	Source     string
	OutputDir  string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// SQLiteStorage implements archive.Recorder using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ archive.Recorder = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	storage := &SQLiteStorage{db: db}

	if err := storage.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// InitSchema creates the database schema
func (s *SQLiteStorage) InitSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// StartSession registers a session. Records for a session may only be
// written after it is started. Starting an existing ID is an error.
func (s *SQLiteStorage) StartSession(id, source, outputDir string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, source, output_dir, started_at)
		VALUES (?, ?, ?, ?)
	`, id, source, outputDir, startedAt)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// FinishSession stamps the end time of a session.
func (s *SQLiteStorage) FinishSession(id string, finishedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET finished_at = ? WHERE id = ?`, finishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Session returns one session row.
func (s *SQLiteStorage) Session(id string) (*SessionInfo, error) {
	var info SessionInfo
	var source, outputDir sql.NullString
	err := s.db.QueryRow(`
		SELECT id, source, output_dir, started_at, finished_at
		FROM sessions WHERE id = ?
	`, id).Scan(&info.ID, &source, &outputDir, &info.StartedAt, &info.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	info.Source = source.String
	info.OutputDir = outputDir.String
	return &info, nil
}

// RecordDiscovered saves the discovery output of a session in a single
// transaction. Duplicate URLs are ignored.
func (s *SQLiteStorage) RecordDiscovered(sessionID string, urls []discover.DiscoveredURL) error {
	if len(urls) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO discovered_urls (
			session_id, url, title, description, lastmod, priority,
			changefreq, status_code, content_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range urls {
		if _, err := stmt.Exec(sessionID, u.URL, u.Title, u.Description, u.LastMod,
			u.Priority, u.ChangeFreq, u.StatusCode, u.ContentType); err != nil {
			return fmt.Errorf("failed to insert URL %s: %w", u.URL, err)
		}
	}

	return tx.Commit()
}

// RecordFetch saves one page outcome.
func (s *SQLiteStorage) RecordFetch(sessionID string, r archive.FetchResult) error {
	_, err := s.db.Exec(`
		INSERT INTO fetch_results (
			session_id, url, outcome, status_code, file_path, metadata_path,
			size_bytes, content_type, attempts, error_message, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sessionID,
		r.URL,
		string(r.Outcome),
		r.StatusCode,
		r.LocalPath,
		r.MetadataPath,
		r.SizeBytes,
		r.ContentType,
		r.Attempts,
		r.Error,
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save fetch result: %w", err)
	}
	return nil
}

// RecordMedia saves one media outcome.
func (s *SQLiteStorage) RecordMedia(sessionID string, m archive.MediaRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO media_records (
			session_id, url, page_url, outcome, file_path, size_bytes,
			content_type, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sessionID,
		m.URL,
		m.PageURL,
		string(m.Outcome),
		m.LocalPath,
		m.SizeBytes,
		m.ContentType,
		m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save media record: %w", err)
	}
	return nil
}

// RecordError saves one failed attempt.
func (s *SQLiteStorage) RecordError(sessionID string, e archive.ErrorEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO fetch_errors (
			session_id, url, status_code, attempt, error_message, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, e.URL, e.StatusCode, e.Attempt, e.Error, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save error: %w", err)
	}
	return nil
}

// RecordStatusCounts replaces the status histogram of a session.
func (s *SQLiteStorage) RecordStatusCounts(sessionID string, counts map[int]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM status_counts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear status counts: %w", err)
	}
	for code, n := range counts {
		if _, err := tx.Exec(`
			INSERT INTO status_counts (session_id, status_code, count) VALUES (?, ?, ?)
		`, sessionID, code, n); err != nil {
			return fmt.Errorf("failed to insert status %d: %w", code, err)
		}
	}
	return tx.Commit()
}

// StatusCounts returns the stored histogram of a session.
func (s *SQLiteStorage) StatusCounts(sessionID string) (map[int]int, error) {
	rows, err := s.db.Query(`
		SELECT status_code, count FROM status_counts WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int]int)
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[code] = n
	}
	return counts, rows.Err()
}

// OutcomeCounts returns page outcomes by kind for a session.
func (s *SQLiteStorage) OutcomeCounts(sessionID string) (map[archive.Outcome]int, error) {
	rows, err := s.db.Query(`
		SELECT outcome, count FROM session_outcomes WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[archive.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		counts[archive.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// ErrorCount returns the number of failed attempts recorded for a session.
func (s *SQLiteStorage) ErrorCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fetch_errors WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count errors: %w", err)
	}
	return n, nil
}

// MediaPaths returns the distinct local files referenced by a session's
// media records.
func (s *SQLiteStorage) MediaPaths(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT file_path FROM media_records
		WHERE session_id = ? AND outcome != 'failed' AND file_path != ''
		ORDER BY file_path
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan media path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
