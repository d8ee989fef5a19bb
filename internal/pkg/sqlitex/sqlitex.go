// Package sqlitex holds the SQLite plumbing shared by every service store.
//
// Each service owns one database file opened through Open. WAL mode is
// enabled so the HTTP handlers and the outbox relay can read and write the
// same file concurrently without blocking each other.
package sqlitex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite avoids CGO, which keeps the Docker builds trivial.
	_ "modernc.org/sqlite"
)

// Open opens (or creates) the SQLite database at the given path.
//
// busy_timeout makes writers wait for locks instead of failing immediately,
// which matters when a relay process and a handler process share the file.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	// Use "sqlite", not "sqlite3", for the modernc driver.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection per process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}

	return db, nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. This is the single atomic unit every step handler commits through:
// the business write and its outbox event either both land or neither does.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Two concurrent requests with the same idempotency key race on the
// unique index; the loser detects it here and replays the winner's result.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FormatTime renders a timestamp the way the stores persist it.
// SQLite has no native datetime type; we store RFC3339 TEXT.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999999Z")
}

// ParseTime parses the timestamp strings stored by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

// NullableTime renders a *time.Time as a driver value, keeping NULL for nil.
func NullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// NullableString returns nil for empty strings so SQLite stores NULL instead
// of empty TEXT.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
