package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency (
	key          TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	result       BLOB,
	stored_at    INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at);
`

// SQLite persists records across restarts in a local database file.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	stop chan struct{}
}

// NewSQLite opens (or creates) the database at path. ttl <= 0 means 24h.
// A background sweeper deletes expired rows every ttl/4.
func NewSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	// The agent is the only writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("idempotency db pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency db schema: %w", err)
	}

	s := &SQLite{db: db, ttl: ttl, now: time.Now, stop: make(chan struct{})}
	go s.sweep()
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var result []byte // result column is nullable
	var storedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, result, stored_at, expires_at FROM idempotency WHERE key = ?`,
		key).Scan(&rec.Fingerprint, &result, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if s.now().Unix() >= expiresAt {
		return nil, nil
	}
	rec.Result = result
	rec.StoredAt = time.Unix(storedAt, 0).UTC()
	return &rec, nil
}

func (s *SQLite) Put(ctx context.Context, key string, rec Record) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, fingerprint, result, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   fingerprint = excluded.fingerprint,
		   result      = excluded.result,
		   stored_at   = excluded.stored_at,
		   expires_at  = excluded.expires_at`,
		key, rec.Fingerprint, []byte(rec.Result), now.Unix(), now.Add(s.ttl).Unix())
	if err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}

func (s *SQLite) sweep() {
	interval := s.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.db.Exec(`DELETE FROM idempotency WHERE expires_at <= ?`, s.now().Unix())
		}
	}
}

func (s *SQLite) Close() error {
	close(s.stop)
	return s.db.Close()
}
