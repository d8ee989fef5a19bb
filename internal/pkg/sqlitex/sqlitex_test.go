package sqlitex

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE)`); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO items (id, name) VALUES ('1', 'a')`)
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	boom := errors.New("boom")

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id, name) VALUES ('1', 'a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the callback's error", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	if _, err := db.ExecContext(ctx, `INSERT INTO items (id, name) VALUES ('1', 'a')`); err != nil {
		t.Fatal(err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO items (id, name) VALUES ('2', 'a')`)
	if !IsUniqueViolation(err) {
		t.Fatalf("err = %v, want a unique violation", err)
	}

	if IsUniqueViolation(nil) {
		t.Fatal("nil is not a unique violation")
	}
	if IsUniqueViolation(errors.New("other")) {
		t.Fatal("unrelated error is not a unique violation")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)

	got, err := ParseTime(FormatTime(now))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("round trip = %v, want %v", got, now)
	}
}

func TestNullableString(t *testing.T) {
	if NullableString("") != nil {
		t.Fatal("empty string should map to NULL")
	}
	if NullableString("x") != "x" {
		t.Fatal("non-empty string should pass through")
	}
}
