package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/watzon/funcbox/internal/config"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &config.DatabaseConfig{
		Path:         dbPath,
		WALMode:      true,
		ForeignKeys:  true,
		CacheSize:    -2000,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestOpenAndClose(t *testing.T) {
	db := testDB(t)

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT)")
	if err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	err = db.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO test (id, name) VALUES (1, 'alice')")
		if err != nil {
			return err
		}
		_, err = tx.Exec("INSERT INTO test (id, name) VALUES (2, 'bob')")
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM test").Scan(&count)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT UNIQUE)")
	if err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	err = db.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO test (id, name) VALUES (1, 'alice')")
		if err != nil {
			return err
		}
		_, err = tx.Exec("INSERT INTO test (id, name) VALUES (2, 'alice')")
		return err
	})
	if err == nil {
		t.Fatal("expected transaction to fail")
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM test").Scan(&count)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows after rollback, got %d", count)
	}
}

func TestClassifyUniqueViolation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO function_heads (id, version, revision, created_at, updated_at)
		VALUES ('hello', '1.0.0', 1, ?, ?)
	`, Now(), Now())
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO function_heads (id, version, revision, created_at, updated_at)
		VALUES ('hello', '2.0.0', 1, ?, ?)
	`, Now(), Now())
	if err == nil {
		t.Fatal("expected unique violation")
	}

	classified := ClassifyError(err)
	if !IsUniqueError(classified) {
		t.Fatalf("expected unique constraint error, got %v", classified)
	}
	ce := AsConstraintError(classified)
	if ce.Table != "function_heads" || ce.Column != "id" {
		t.Errorf("unexpected constraint target %s.%s", ce.Table, ce.Column)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.FixedZone("X", 3600))

	parsed, err := ParseTime(FormatTime(ts))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, parsed)
	}

	rfc, err := ParseTime("2026-03-14T09:26:53Z")
	if err != nil {
		t.Fatalf("parse RFC3339 failed: %v", err)
	}
	if rfc.Second() != 53 {
		t.Errorf("unexpected seconds %d", rfc.Second())
	}
}

func TestFormatTimeSortsChronologically(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := FormatTime(base.Add(900 * time.Millisecond))
	b := FormatTime(base.Add(time.Second))
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestNullTime(t *testing.T) {
	got, err := NullTime(sql.NullString{})
	if err != nil || got != nil {
		t.Fatalf("expected nil time, got %v (%v)", got, err)
	}

	got, err = NullTime(sql.NullString{String: "2026-01-01T00:00:00Z", Valid: true})
	if err != nil || got == nil {
		t.Fatalf("expected parsed time, got %v (%v)", got, err)
	}
}

func init() {
	os.Setenv("TZ", "UTC")
}
