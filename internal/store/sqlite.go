package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Journal using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
	retention time.Duration
	log       *slog.Logger
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/journal.db
// and runs schema migrations. Frames older than retention are pruned in the
// background; zero keeps everything.
func NewSQLiteStore(dataDir string, retention time.Duration) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		closeCh:   make(chan struct{}),
		retention: retention,
		log:       slog.Default(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	if retention > 0 {
		s.pruneOnce()
		go s.cleanupLoop()
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS frames (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id    TEXT NOT NULL DEFAULT '',
			direction  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			method     TEXT NOT NULL DEFAULT '',
			request_id INTEGER,
			payload    BLOB NOT NULL,
			at         DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_at ON frames(at)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_request ON frames(request_id) WHERE request_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically removes frames older than the retention window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *SQLiteStore) pruneOnce() {
	n, err := s.Prune(context.Background(), time.Now().UTC().Add(-s.retention))
	if err != nil {
		s.log.Warn("journal prune failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Debug("journal pruned", "frames", n)
	}
}

// --- Frames ---

func (s *SQLiteStore) Append(ctx context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (conn_id, direction, kind, method, request_id, payload, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ConnID, string(f.Direction), f.Kind, f.Method, f.RequestID, f.Payload, f.At.UTC(),
	)
	return err
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, conn_id, direction, kind, method, request_id, payload, at
		 FROM frames ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var dir string
		if err := rows.Scan(&f.Seq, &f.ConnID, &dir, &f.Kind, &f.Method, &f.RequestID, &f.Payload, &f.At); err != nil {
			return nil, err
		}
		f.Direction = Direction(dir)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers want chronological order.
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- KV ---

func (s *SQLiteStore) KVSet(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

// KVGet returns nil, nil for a missing key.
func (s *SQLiteStore) KVGet(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.db.Close()
	})
	return err
}
