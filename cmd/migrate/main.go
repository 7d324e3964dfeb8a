package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"freightflow/config"
	"freightflow/db"
	"freightflow/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "freightflow-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		databaseURL = os.Getenv("DATABASE_URL")
		logLevel    = "info"
		logFormat   = "text"
		list        bool
	)

	flags := pflag.NewFlagSet("freightflow-migrate", pflag.ContinueOnError)
	flags.StringVar(&databaseURL, "database-url", databaseURL, "Postgres connection string")
	flags.StringVar(&logLevel, "log-level", logLevel, "debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", logFormat, "json or text")
	flags.BoolVar(&list, "list", false, "print embedded migration versions and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if list {
		all, err := db.LoadMigrations(migrations.FS)
		if err != nil {
			return err
		}
		for _, m := range all {
			fmt.Println(m.Version)
		}
		return nil
	}

	if databaseURL == "" {
		return errors.New("DATABASE_URL or --database-url is required")
	}

	logger := config.NewLogger(os.Stdout, logLevel, logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, databaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, migrations.FS, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "applied", len(applied))
	return nil
}
