package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the stress database: container (or shared
// DSN), migrated pool and teardown.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in this order: overrideDSN or
// SETTLEMENT_STRESS_DSN (isolated in a throwaway schema), a Docker container,
// then a local PostgreSQL.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	var (
		pgC    *PGContainer
		dsn    string
		shared bool
		err    error
	)

	switch {
	case overrideDSN != "" || os.Getenv("SETTLEMENT_STRESS_DSN") != "":
		pgC, dsn, err = StartPostgres16(ctx, overrideDSN)
		shared = true
	case DockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
	default:
		dsn, err = InitLocalDatabase(ctx)
		pgC = &PGContainer{}
	}
	if err != nil {
		return nil, fmt.Errorf("provision postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared, maxConns)
	if err != nil {
		_ = pgC.Terminate(context.Background())
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{container: pgC, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if terr := h.container.Terminate(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for the next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"settlement_steps",
		"outbox",
		"audit_logs",
		"idempotency_records",
		"offers",
		"shipments",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// accepted_offer_id references offers, so truncate shipments and offers together.
	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

// DockerAvailable reports whether a usable Docker daemon is reachable.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
