// Package store is the persistence adapter: a key/value store split into a
// "sync" area (settings, meant to follow the user across devices) and a
// "local" area (per-machine state such as the auth cache), backed by SQLite.
//
// Every committed write bumps a per-area revision and notifies in-process
// subscribers. Writes made by other connections or processes are picked up
// by Watch and delivered to the same subscribers with External set.
//
//	st, err := store.Open("quietfeed.db")
//	st.Set(ctx, store.AreaSync, map[string]any{"key": value})
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Area names one of the two key/value namespaces.
type Area string

const (
	AreaSync  Area = "sync"
	AreaLocal Area = "local"
)

// Schema creates the key/value and revision tables.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	area       TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (area, key)
);
CREATE TABLE IF NOT EXISTS kv_rev (
	area TEXT PRIMARY KEY,
	rev  INTEGER NOT NULL
);
`

// Change describes a committed write. Keys is empty for external changes,
// where only the area is known.
type Change struct {
	Area     Area
	Keys     []string
	External bool
}

// Store is the key/value handle. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]func(Change)
	nextSub int
	seen    map[Area]int64 // last revision known to this process
}

type config struct {
	busyTimeout int
	mkdirAll    bool
	logger      *slog.Logger
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Open opens (or creates) the database at path, applies the production
// pragmas and the schema.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{busyTimeout: 10_000, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s, err := New(db, cfg.logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store for testing. Closed by t.Cleanup.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// New wraps an already opened database and applies the schema.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	s := &Store{
		db:     db,
		logger: logger,
		subs:   make(map[int]func(Change)),
		seen:   make(map[Area]int64),
	}
	revs, err := s.revisions(context.Background())
	if err != nil {
		return nil, err
	}
	s.seen = revs
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the raw JSON values of the requested keys. Absent keys are
// missing from the map.
func (s *Store) Get(ctx context.Context, area Area, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		var v string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM kv WHERE area = ? AND key = ?`, string(area), k).Scan(&v)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get %s/%s: %w", area, k, err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// GetJSON decodes one key into v. It reports false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, area Area, key string, v any) (bool, error) {
	vals, err := s.Get(ctx, area, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("store: decode %s/%s: %w", area, key, err)
	}
	return true, nil
}

// Set writes every value (JSON-encoded) in a single transaction.
func (s *Store) Set(ctx context.Context, area Area, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	keys := sortedKeys(values)
	encoded := make(map[string]string, len(values))
	for _, k := range keys {
		data, err := json.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("store: encode %s/%s: %w", area, k, err)
		}
		encoded[k] = string(data)
	}

	now := time.Now().UnixMilli()
	err := s.write(ctx, area, keys, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(area, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				string(area), k, encoded[k], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: set %s: %w", area, err)
	}
	return nil
}

// Remove deletes the keys in a single transaction.
func (s *Store) Remove(ctx context.Context, area Area, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.write(ctx, area, append([]string(nil), keys...), func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv WHERE area = ? AND key = ?`, string(area), k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: remove %s: %w", area, err)
	}
	return nil
}

// Writes that find the database locked by another connection are retried
// with doubling backoff: 50, 100, 200 ms.
const (
	writeAttempts = 4
	writeBackoff  = 50 * time.Millisecond
)

// write runs fn and the revision bump of area in one transaction and, once
// committed, notifies subscribers of keys. Nothing is notified on failure.
func (s *Store) write(ctx context.Context, area Area, keys []string, fn func(*sql.Tx) error) error {
	backoff := writeBackoff
	for attempt := 1; ; attempt++ {
		rev, err := s.writeOnce(ctx, area, fn)
		if err == nil {
			s.committed(area, rev, keys)
			return nil
		}
		if !IsBusy(err) || attempt == writeAttempts {
			return err
		}
		s.logger.Debug("store: database busy, retrying write",
			"area", area, "attempt", attempt, "backoff", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (s *Store) writeOnce(ctx context.Context, area Area, fn func(*sql.Tx) error) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return 0, err
	}
	rev, err := bumpRev(ctx, tx, area)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return rev, nil
}

// IsBusy reports whether err carries SQLite's BUSY or LOCKED result code,
// including their extended variants.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Subscribe registers fn for every committed change. fn runs on the writer's
// goroutine after commit and must not block. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) committed(area Area, rev int64, keys []string) {
	s.mu.Lock()
	if rev > s.seen[area] {
		s.seen[area] = rev
	}
	s.mu.Unlock()
	s.notify(Change{Area: area, Keys: keys})
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func bumpRev(ctx context.Context, tx *sql.Tx, area Area) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO kv_rev (area, rev) VALUES (?, 1)
		ON CONFLICT(area) DO UPDATE SET rev = rev + 1
		RETURNING rev`, string(area)).Scan(&rev)
	return rev, err
}

func (s *Store) revisions(ctx context.Context) (map[Area]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT area, rev FROM kv_rev`)
	if err != nil {
		return nil, fmt.Errorf("store: query revisions: %w", err)
	}
	defer rows.Close()

	revs := make(map[Area]int64)
	for rows.Next() {
		var a string
		var rev int64
		if err := rows.Scan(&a, &rev); err != nil {
			return nil, fmt.Errorf("store: scan revision: %w", err)
		}
		revs[Area(a)] = rev
	}
	return revs, rows.Err()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
