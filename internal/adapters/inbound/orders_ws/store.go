package orders_ws

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charleschow/ordersync/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	DefaultJournalBytes int64 = 256 << 20 // 256 MiB
	evictBatchSize            = 100
	vacuumInterval            = 50
)

// Store journals raw push frames in a FIFO SQLite database. Oldest rows
// are evicted once the byte budget is exceeded. A nil *Store is a valid
// no-op journal.
type Store struct {
	db           *sql.DB
	maxBytes     int64
	mu           sync.Mutex
	wg           sync.WaitGroup
	cachedSize   int64
	evictCounter int
}

// OpenStore opens or creates the journal at path. maxBytes <= 0 uses
// DefaultJournalBytes.
func OpenStore(path string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultJournalBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create frame journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	var avMode int
	if err := db.QueryRow(`PRAGMA auto_vacuum`).Scan(&avMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("read auto_vacuum: %w", err)
	}
	if avMode != 2 { // 2 = INCREMENTAL
		if _, err := db.Exec(`PRAGMA auto_vacuum = INCREMENTAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set auto_vacuum: %w", err)
		}
		if _, err := db.Exec(`VACUUM`); err != nil {
			telemetry.Warnf("frame journal: VACUUM to enable auto_vacuum failed: %v", err)
		}
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS frames (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			kind      TEXT    NOT NULL,
			received  TEXT    NOT NULL,
			byte_size INTEGER NOT NULL,
			raw       BLOB    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_kind ON frames(kind)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init frame journal schema: %w", err)
		}
	}

	var size int64
	if err := db.QueryRow(`SELECT COALESCE(SUM(byte_size), 0) FROM frames`).Scan(&size); err != nil {
		db.Close()
		return nil, fmt.Errorf("read frame journal size: %w", err)
	}

	telemetry.Plainf("frame journal: opened %s  rows_bytes=%d", path, size)
	return &Store{db: db, maxBytes: maxBytes, cachedSize: size}, nil
}

// Insert stores a raw frame asynchronously.
func (s *Store) Insert(kind string, raw []byte) {
	if s == nil {
		return
	}
	rawLen := int64(len(raw))
	rawCopy := make([]byte, rawLen)
	copy(rawCopy, raw)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.Exec(
			`INSERT INTO frames (kind, received, byte_size, raw) VALUES (?, ?, ?, ?)`,
			kind,
			time.Now().UTC().Format(time.RFC3339Nano),
			rawLen,
			rawCopy,
		)
		if err != nil {
			telemetry.Warnf("frame journal: insert failed: %v", err)
			return
		}

		s.cachedSize += rawLen
		if s.cachedSize > s.maxBytes {
			s.evict()
		}
	}()
}

func (s *Store) evict() {
	for s.cachedSize > s.maxBytes {
		var freed int64
		err := s.db.QueryRow(
			`WITH deleted AS (
				DELETE FROM frames
				WHERE id IN (SELECT id FROM frames ORDER BY id ASC LIMIT ?)
				RETURNING byte_size
			)
			SELECT COALESCE(SUM(byte_size), 0) FROM deleted`,
			evictBatchSize,
		).Scan(&freed)
		if err != nil {
			telemetry.Warnf("frame journal: eviction query failed: %v", err)
			break
		}
		if freed == 0 {
			break
		}
		s.cachedSize -= freed
		s.evictCounter++

		if s.evictCounter%vacuumInterval == 0 {
			if _, err := s.db.Exec(`PRAGMA incremental_vacuum`); err != nil {
				telemetry.Warnf("frame journal: incremental_vacuum failed: %v", err)
			}
		}
	}
}

// Count returns the number of journaled frames of kind, or of every kind
// when kind is empty.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}
	return n, nil
}

// Frame is one journaled push frame.
type Frame struct {
	ID       int64
	Kind     string
	Received time.Time
	Size     int64
	Raw      []byte
}

// FrameQuery filters Recent. Empty fields match everything.
type FrameQuery struct {
	Kind     string
	Contains string // substring of the raw frame
	Limit    int
}

// Recent returns matching frames, newest first.
func (s *Store) Recent(ctx context.Context, q FrameQuery) ([]Frame, error) {
	if s == nil {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	query := `SELECT id, kind, received, byte_size, raw FROM frames WHERE 1=1`
	var args []any
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, q.Kind)
	}
	if q.Contains != "" {
		query += ` AND CAST(raw AS TEXT) LIKE ?`
		args = append(args, "%"+q.Contains+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var f Frame
		var received string
		if err := rows.Scan(&f.ID, &f.Kind, &received, &f.Size, &f.Raw); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Received, _ = time.Parse(time.RFC3339Nano, received)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Flush blocks until every pending insert has been written.
func (s *Store) Flush() {
	if s != nil {
		s.wg.Wait()
	}
}

// Close waits for pending inserts and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.wg.Wait()
	return s.db.Close()
}
