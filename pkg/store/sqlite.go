package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

const MemoryDSN = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL,
	url TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT -1,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	download_path TEXT NOT NULL,
	start_time INTEGER,
	end_time INTEGER,
	thread_count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS download_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id INTEGER NOT NULL,
	start_byte INTEGER NOT NULL,
	end_byte INTEGER NOT NULL,
	current_offset INTEGER NOT NULL,
	status TEXT NOT NULL,
	FOREIGN KEY (download_id) REFERENCES downloads(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_download ON download_chunks(download_id, start_byte);
`

const downloadColumns = `id, filename, url, file_size, downloaded_size, status, download_path, start_time, end_time, thread_count`

// SQLiteStore keeps downloads and chunks in a single SQLite database. It is
// safe for concurrent use by every chunk worker of every download.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// MemoryDSN for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := MemoryDSN
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Insert(ctx context.Context, d *Download) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (filename, url, file_size, downloaded_size, status, download_path, start_time, end_time, thread_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Filename, d.URL, d.FileSize, d.DownloadedSize, string(d.Status), d.DownloadPath,
		toMillis(d.StartTime), toMillis(d.EndTime), d.ThreadCount)
	if err != nil {
		return 0, fmt.Errorf("failed to insert download: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read download id: %w", err)
	}
	d.ID = id
	return id, nil
}

func (s *SQLiteStore) Update(ctx context.Context, d *Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET filename = ?, url = ?, file_size = ?, downloaded_size = ?, status = ?,
		 download_path = ?, start_time = ?, end_time = ?, thread_count = ? WHERE id = ?`,
		d.Filename, d.URL, d.FileSize, d.DownloadedSize, string(d.Status), d.DownloadPath,
		toMillis(d.StartTime), toMillis(d.EndTime), d.ThreadCount, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update download %d: %w", d.ID, err)
	}
	return expectRow(res, d.ID)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status Status) error {
	return s.exec(ctx, id, `UPDATE downloads SET status = ? WHERE id = ?`, string(status), id)
}

func (s *SQLiteStore) UpdateEndTime(ctx context.Context, id int64, t time.Time) error {
	return s.exec(ctx, id, `UPDATE downloads SET end_time = ? WHERE id = ?`, toMillis(t), id)
}

// IncrementDownloadedSize adds delta in a single statement so concurrent
// flushes never lose bytes to a read-modify-write race.
func (s *SQLiteStore) IncrementDownloadedSize(ctx context.Context, id, delta int64) error {
	return s.exec(ctx, id, `UPDATE downloads SET downloaded_size = downloaded_size + ? WHERE id = ?`, delta, id)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return d, err
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]*Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete download %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM downloads`); err != nil {
		return fmt.Errorf("failed to clear downloads: %w", err)
	}
	return nil
}

// CreateChunks inserts all chunks in one transaction and writes the generated
// ids back into the slice.
func (s *SQLiteStore) CreateChunks(ctx context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO download_chunks (download_id, start_byte, end_byte, current_offset, status) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		res, err := stmt.ExecContext(ctx, c.DownloadID, c.StartByte, c.EndByte, c.CurrentOffset, string(c.Status))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d-%d: %w", c.StartByte, c.EndByte, err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetChunksForDownload(ctx context.Context, downloadID int64) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, download_id, start_byte, end_byte, current_offset, status
		 FROM download_chunks WHERE download_id = ? ORDER BY start_byte ASC`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for download %d: %w", downloadID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var status string
		if err := rows.Scan(&c.ID, &c.DownloadID, &c.StartByte, &c.EndByte, &c.CurrentOffset, &status); err != nil {
			return nil, err
		}
		c.Status = ChunkStatus(status)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) UpdateChunkProgress(ctx context.Context, chunkID, offset int64, status ChunkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE download_chunks SET current_offset = ?, status = ? WHERE id = ?`, offset, string(status), chunkID)
	if err != nil {
		return fmt.Errorf("failed to update chunk %d: %w", chunkID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, downloadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_chunks WHERE download_id = ?`, downloadID); err != nil {
		return fmt.Errorf("failed to delete chunks for download %d: %w", downloadID, err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, id int64, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		verb, _, _ := strings.Cut(query, " ")
		return fmt.Errorf("failed to %s download %d: %w", strings.ToLower(verb), id, err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(row scanner) (*Download, error) {
	var (
		d          Download
		status     string
		start, end sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Filename, &d.URL, &d.FileSize, &d.DownloadedSize, &status,
		&d.DownloadPath, &start, &end, &d.ThreadCount); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.StartTime = fromMillis(start)
	d.EndTime = fromMillis(end)
	return &d, nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
