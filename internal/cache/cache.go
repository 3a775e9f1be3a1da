// Package cache stores encoded preview renders in a SQLite database, keyed
// by the source image digest and the color matrix that produced them.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	// DefaultBatchSize is the number of renders to buffer before flushing to the database.
	DefaultBatchSize = 32

	schemaVersion = "1"
)

// Entry represents a single render to be written.
type Entry struct {
	ImageKey  string
	MatrixKey string
	Data      []byte // encoded PNG
}

type entryKey struct {
	image  string
	matrix string
}

// Stats reports cache counters since Open.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	Pending int   `json:"pending"`
}

// Cache is a write-batched render cache.
type Cache struct {
	db        *sql.DB
	path      string
	batch     []Entry
	pending   map[entryKey][]byte
	batchSize int
	mu        sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// Open opens (or creates) a render cache at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Cache{
		db:        db,
		path:      path,
		batch:     make([]Entry, 0, DefaultBatchSize),
		pending:   make(map[entryKey][]byte),
		batchSize: DefaultBatchSize,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL PRIMARY KEY,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS renders (
			image_key TEXT NOT NULL,
			matrix_key TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS render_index ON renders (image_key, matrix_key);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO metadata (name, value) VALUES ('format', 'png'), ('version', ?)",
		schemaVersion,
	); err != nil {
		return fmt.Errorf("failed to insert metadata: %w", err)
	}

	return nil
}

// Put adds a render to the batch. When the batch is full, it is automatically flushed.
func (c *Cache) Put(imageKey, matrixKey string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batch = append(c.batch, Entry{ImageKey: imageKey, MatrixKey: matrixKey, Data: data})
	c.pending[entryKey{imageKey, matrixKey}] = data

	if len(c.batch) >= c.batchSize {
		return c.flushLocked()
	}

	return nil
}

// Get returns a stored render. ok is false when no render exists for the key pair.
func (c *Cache) Get(imageKey, matrixKey string) (data []byte, ok bool, err error) {
	c.mu.Lock()
	if d, found := c.pending[entryKey{imageKey, matrixKey}]; found {
		c.mu.Unlock()
		c.hits.Add(1)
		return d, true, nil
	}
	c.mu.Unlock()

	err = c.db.QueryRow(
		"SELECT data FROM renders WHERE image_key=? AND matrix_key=?",
		imageKey, matrixKey,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query render: %w", err)
	}

	c.hits.Add(1)
	return data, true, nil
}

// Count returns the number of renders stored in the database (excluding the unflushed batch).
func (c *Cache) Count() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM renders").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count renders: %w", err)
	}
	return n, nil
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	pending := len(c.batch)
	c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Pending: pending,
	}
}

// Flush writes any buffered renders to the database.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// flushLocked writes buffered renders to the database. Must be called with lock held.
func (c *Cache) flushLocked() error {
	if len(c.batch) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO renders (image_key, matrix_key, data, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, e := range c.batch {
		if _, err := stmt.Exec(e.ImageKey, e.MatrixKey, e.Data, now); err != nil {
			return fmt.Errorf("failed to insert render %s/%s: %w", shortKey(e.ImageKey), shortKey(e.MatrixKey), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.writes.Add(int64(len(c.batch)))
	c.batch = c.batch[:0]
	clear(c.pending)
	return nil
}

// Close flushes any remaining renders and closes the database.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		c.db.Close()
		return err
	}

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
