package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openRaw(t *testing.T, name string) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := schemaVersion(context.Background(), db.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrateCreatesLookupIndexes(t *testing.T) {
	db := openTestDB(t)

	for _, name := range []string{
		"idx_records_category", "idx_records_source", "idx_records_created",
		"idx_entries_created", "idx_entries_source",
	} {
		var n int
		err := db.conn.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name = ?", name).Scan(&n)
		if err != nil {
			t.Fatalf("query index %s: %v", name, err)
		}
		if n != 1 {
			t.Errorf("index %s missing", name)
		}
	}
}

func TestMigrateEnforcesUniqueContentID(t *testing.T) {
	db := openTestDB(t)

	insert := `INSERT INTO records (content_id, title, source, category, created_at, updated_at)
		VALUES ('hf:org/model', 't', 'huggingface', 'llm', 'x', 'x')`
	if _, err := db.conn.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.conn.Exec(insert); err == nil {
		t.Error("expected duplicate content_id to be rejected by the store")
	}
}

func TestMigrateUnversionedStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "unversioned.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	// Version 1 tables, no user_version stamp.
	tx, err := raw.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := migrations[0].Up(tx); err != nil {
		t.Fatalf("create version 1 tables: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	raw.Close()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	version, err := schemaVersion(context.Background(), db.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}

	var n int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_entries_source'",
	).Scan(&n); err != nil || n != 1 {
		t.Errorf("later migrations not applied to unversioned store (n=%d, err=%v)", n, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := db1.UpsertRecord(context.Background(), basicRecord("github:a/b", "kept")); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	rec, err := db2.GetRecord(context.Background(), "github:a/b")
	if err != nil || rec == nil {
		t.Fatalf("record lost across reopen: %v", err)
	}
	if rec.Summary != "kept" {
		t.Errorf("summary = %q", rec.Summary)
	}
}

func TestUnversionedStoreFalseOnEmptyDB(t *testing.T) {
	conn := openRaw(t, "fresh.db")

	existing, err := unversionedStore(context.Background(), conn)
	if err != nil {
		t.Fatalf("unversionedStore: %v", err)
	}
	if existing {
		t.Error("expected false on empty database")
	}

	version, err := schemaVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on new db, got %d", version)
	}
}
