// Package store provides the durable, transactional key/value store that backs
// the offline outbox and read cache.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, no cgo) in WAL
// mode. Each logical partition is its own table with the same layout:
//
//	seq        INTEGER PRIMARY KEY AUTOINCREMENT  -- insertion order
//	key        TEXT UNIQUE NOT NULL
//	value      BLOB NOT NULL
//	updated_at TEXT NOT NULL                      -- fixed-width UTC timestamp
//
// Partitions:
//   - cache:        last-known-good response bodies (read-through cache)
//   - queue:        pending mutating requests (outbox), enumerated in seq order
//   - blobs:        raw file content referenced by multipart queue items
//   - dead_letters: queue items that exceeded the retry ceiling
//
// A separate leases table holds short-lived named locks used to keep two
// processes from flushing the same queue at once.
//
// A Store is created without touching the disk; the database file and its
// tables are created lazily by the first operation (or an explicit Open).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Partition names one independently keyed table of the store.
type Partition string

const (
	// PartitionCache holds read-through cache entries.
	PartitionCache Partition = "cache"
	// PartitionQueue holds pending outbox items.
	PartitionQueue Partition = "queue"
	// PartitionBlobs holds binary file content for multipart items.
	PartitionBlobs Partition = "blobs"
	// PartitionDeadLetters holds items that exhausted their retry budget.
	PartitionDeadLetters Partition = "dead_letters"
)

// Partitions lists every partition in a stable order.
var Partitions = []Partition{PartitionCache, PartitionQueue, PartitionBlobs, PartitionDeadLetters}

var (
	// ErrClosed is returned by operations on a store that has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrUnknownPartition is returned when a partition name is not one of Partitions.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrLeaseLost is returned when renewing a lease that is no longer held.
	ErrLeaseLost = errors.New("lease no longer held")
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one key/value row of a partition.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is a lazily opened handle to the durable store.
// It is safe for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	conn   *sql.DB
	closed bool
}

// New returns a store handle for the database at path.
// No I/O happens until the first operation or an explicit Open.
func New(path string) *Store {
	return &Store{path: path}
}

// Open creates a store at path and opens it immediately.
//
// Example:
//
//	st, err := store.Open(ctx, ".offsync/offsync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(ctx context.Context, path string) (*Store, error) {
	s := New(path)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Open opens the database and creates the partitions if needed.
//
// Open is idempotent and safe to call concurrently. If it fails, a later call
// tries again.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.db(ctx)
	return err
}

// db returns the open connection pool, opening it on first use.
func (s *Store) db(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := openConn(ctx, s.path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.conn = conn
	return conn, nil
}

func openConn(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(full)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return conn, nil
}

func initSchema(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range Partitions {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
		`, p)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", p, err)
		}
	}

	leases := `
	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	if _, err := tx.ExecContext(ctx, leases); err != nil {
		return fmt.Errorf("failed to create leases table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
// Closing a store that was never opened is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
// A missing key is not an error: ok is false and err is nil.
func (s *Store) Get(ctx context.Context, p Partition, key string) (value []byte, ok bool, err error) {
	conn, err := s.db(ctx)
	if err != nil {
		return nil, false, err
	}
	return get(ctx, conn, p, key)
}

// Put stores value under key, replacing any previous value.
// Replacing keeps the entry's original position in List order.
func (s *Store) Put(ctx context.Context, p Partition, key string, value []byte) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}
	return put(ctx, conn, p, key, value, time.Now())
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, p Partition, key string) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}
	return del(ctx, conn, p, key)
}

// List returns every entry of the partition in insertion order.
func (s *Store) List(ctx context.Context, p Partition) ([]Entry, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	return list(ctx, conn, p)
}

// Keys returns the keys of the partition in insertion order. Unlike List it
// does not load values, so it stays cheap on the blobs partition.
func (s *Store) Keys(ctx context.Context, p Partition) ([]string, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	return keys(ctx, conn, p)
}

// Update runs fn inside a single write transaction.
// If fn returns an error nothing it wrote is applied.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{ctx: ctx, tx: sqlTx, now: time.Now()}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Count returns the number of entries in a partition.
func (s *Store) Count(ctx context.Context, p Partition) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", p)
	if err := conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p, err)
	}
	return count, nil
}

// Stats returns the entry count of every partition.
func (s *Store) Stats(ctx context.Context) (map[Partition]int, error) {
	stats := make(map[Partition]int, len(Partitions))
	for _, p := range Partitions {
		n, err := s.Count(ctx, p)
		if err != nil {
			return nil, err
		}
		stats[p] = n
	}
	return stats, nil
}

// PruneBefore deletes entries whose last update is older than before and
// returns how many were removed.
func (s *Store) PruneBefore(ctx context.Context, p Partition, before time.Time) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE updated_at < ?", p)
	res, err := conn.ExecContext(ctx, query, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", p, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p Partition) validate() error {
	for _, known := range Partitions {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownPartition, string(p))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
