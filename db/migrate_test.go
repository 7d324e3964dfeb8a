package db

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"freightflow/migrations"
)

func TestLoadMigrationsOrdersByName(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("SELECT 2")},
		"0001_a.sql": {Data: []byte("SELECT 1")},
		"README.md":  {Data: []byte("ignored")},
		"0010_c.sql": {Data: []byte("SELECT 10")},
	}

	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations returned error: %v", err)
	}
	want := []string{"0001_a", "0002_b", "0010_c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.Version != want[i] {
			t.Fatalf("migration %d: expected %s, got %s", i, want[i], m.Version)
		}
	}
	if got[0].SQL != "SELECT 1" {
		t.Fatalf("unexpected SQL for first migration: %q", got[0].SQL)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	got, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("LoadMigrations returned error: %v", err)
	}
	if len(got) < 4 {
		t.Fatalf("expected at least 4 embedded migrations, got %d", len(got))
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping migration integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn, PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if _, err := Migrate(ctx, pool, migrations.FS, nil); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	applied, err := Migrate(ctx, pool, migrations.FS, nil)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no migrations on second run, got %v", applied)
	}

	for _, table := range []string{"shipments", "offers", "idempotency_records", "audit_logs", "settlement_steps", "outbox"} {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if !exists {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
