package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	defaultAdminDSN = "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable"
	defaultStressDB = "freightflow_stress"
)

// InitLocalDatabase recreates the stress database on a local PostgreSQL and
// returns a DSN pointing at it. The admin connection comes from
// SETTLEMENT_STRESS_ADMIN_DSN and the database name from SETTLEMENT_STRESS_DB;
// the returned DSN reuses the admin credentials.
func InitLocalDatabase(ctx context.Context) (string, error) {
	adminDSN := envOr("SETTLEMENT_STRESS_ADMIN_DSN", defaultAdminDSN)
	dbName := envOr("SETTLEMENT_STRESS_DB", defaultStressDB)

	target, err := withDatabase(adminDSN, dbName)
	if err != nil {
		return "", err
	}

	admin, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		return "", fmt.Errorf("connect admin database (set SETTLEMENT_STRESS_ADMIN_DSN): %w", err)
	}
	defer admin.Close(ctx)

	ident := pgx.Identifier{dbName}.Sanitize()
	if _, err := admin.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		dbName); err != nil {
		return "", fmt.Errorf("terminate sessions on %s: %w", dbName, err)
	}
	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
		return "", fmt.Errorf("drop %s: %w", dbName, err)
	}
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return "", fmt.Errorf("create %s: %w", dbName, err)
	}

	return target, nil
}

// withDatabase swaps the database in a URL-style DSN.
func withDatabase(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", fmt.Errorf("admin dsn must be a postgres:// url, got %q", dsn)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
