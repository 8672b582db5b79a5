package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

var migrations = []string{
	`CREATE TABLE kv_zset (
		key    TEXT NOT NULL,
		member TEXT NOT NULL,
		score  REAL NOT NULL,
		PRIMARY KEY (key, member)
	);
	CREATE INDEX idx_kv_zset_score ON kv_zset (key, score);
	CREATE TABLE kv_hash (
		key   TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (key, field)
	);
	CREATE TABLE kv_counter (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`,
}

// SQLiteKV implements KV on a SQLite database using modernc.org/sqlite
// (pure Go, zero CGO). Processes sharing the database file share the store.
type SQLiteKV struct {
	sqliteReader
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteKV opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	dsn := memoryPath
	if path != memoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteKV{sqliteReader: sqliteReader{q: db}, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteKV) migrate() error {
	// Ensure schema_version table exists
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

// Update runs fn and its queued writes inside one database transaction.
func (s *SQLiteKV) Update(ctx context.Context, _ []string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	view := &sqliteTx{sqliteReader: sqliteReader{q: tx}}
	if err := fn(view); err != nil {
		return err
	}
	for _, op := range view.ops {
		if err := op(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteKV) Incr(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO kv_counter (key, value) VALUES (?, 1)
		ON CONFLICT (key) DO UPDATE SET value = value + 1
		RETURNING value`, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteKV) Del(ctx context.Context, keys ...string) error {
	return s.Update(ctx, nil, func(tx Tx) error {
		tx.Del(keys...)
		return nil
	})
}

func (s *SQLiteKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_zset WHERE substr(key, 1, length(?1)) = ?1
		UNION SELECT key FROM kv_hash WHERE substr(key, 1, length(?1)) = ?1
		UNION SELECT key FROM kv_counter WHERE substr(key, 1, length(?1)) = ?1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Reads ---

type sqliteReader struct {
	q querier
}

func (r sqliteReader) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := r.q.QueryRowContext(ctx, "SELECT score FROM kv_zset WHERE key = ? AND member = ?", key, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	return score, true, nil
}

func (r sqliteReader) ZCard(ctx context.Context, key string) (int64, error) {
	return zcard(ctx, r.q, key)
}

func (r sqliteReader) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	size, err := zcard(ctx, r.q, key)
	if err != nil {
		return nil, err
	}
	offset, count, ok := rangeBounds(size, start, stop)
	if !ok {
		return []string{}, nil
	}

	rows, err := r.q.QueryContext(ctx, `SELECT member FROM kv_zset WHERE key = ?
		ORDER BY score, member LIMIT ? OFFSET ?`, key, count, offset)
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	members := make([]string, 0, count)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r sqliteReader) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	err := r.q.QueryRowContext(ctx, "SELECT value FROM kv_hash WHERE key = ? AND field = ?", key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", key, err)
	}
	return v, true, nil
}

func (r sqliteReader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT field, value FROM kv_hash WHERE key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		out[f] = v
	}
	return out, rows.Err()
}

func zcard(ctx context.Context, q querier, key string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_zset WHERE key = ?", key).Scan(&n); err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

// --- Writes ---

type sqliteOp func(ctx context.Context, q querier) error

// sqliteTx queues writes until Update applies them inside its transaction.
type sqliteTx struct {
	sqliteReader
	ops []sqliteOp
}

func (t *sqliteTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO kv_zset (key, member, score) VALUES (?, ?, ?)
			ON CONFLICT (key, member) DO UPDATE SET score = excluded.score`, key, member, score)
		if err != nil {
			return fmt.Errorf("zadd %s: %w", key, err)
		}
		return nil
	})
}

func (t *sqliteTx) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	query := "DELETE FROM kv_zset WHERE key = ? AND member IN (" + placeholders(len(members)) + ")"
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("zrem %s: %w", key, err)
		}
		return nil
	})
}

func (t *sqliteTx) ZRemRangeByRank(key string, start, stop int64) {
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		size, err := zcard(ctx, q, key)
		if err != nil {
			return err
		}
		offset, count, ok := rangeBounds(size, start, stop)
		if !ok {
			return nil
		}
		_, err = q.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ? AND member IN (
			SELECT member FROM kv_zset WHERE key = ? ORDER BY score, member LIMIT ? OFFSET ?)`,
			key, key, count, offset)
		if err != nil {
			return fmt.Errorf("zremrangebyrank %s: %w", key, err)
		}
		return nil
	})
}

func (t *sqliteTx) HSet(key, field, value string) {
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`, key, field, value)
		if err != nil {
			return fmt.Errorf("hset %s: %w", key, err)
		}
		return nil
	})
}

func (t *sqliteTx) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	args := make([]any, 0, len(fields)+1)
	args = append(args, key)
	for _, f := range fields {
		args = append(args, f)
	}
	query := "DELETE FROM kv_hash WHERE key = ? AND field IN (" + placeholders(len(fields)) + ")"
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("hdel %s: %w", key, err)
		}
		return nil
	})
}

func (t *sqliteTx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	in := placeholders(len(keys))
	t.ops = append(t.ops, func(ctx context.Context, q querier) error {
		for _, table := range []string{"kv_zset", "kv_hash", "kv_counter"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE key IN ("+in+")", args...); err != nil {
				return fmt.Errorf("deleting from %s: %w", table, err)
			}
		}
		return nil
	})
}

// --- Helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
