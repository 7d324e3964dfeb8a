package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"freightflow/audit"
	"freightflow/auth"
	"freightflow/config"
	"freightflow/db"
	"freightflow/escrow"
	"freightflow/idempotency"
	"freightflow/notify"
	"freightflow/offer"
	"freightflow/shipment"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "freightflow-api: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("freightflow-api", pflag.ContinueOnError)
	cfg.BindFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	store, closeStore, err := newIdempotencyStore(cfg, pool)
	if err != nil {
		return err
	}
	defer closeStore()

	var holder escrow.Holder = escrow.Disabled{}
	if cfg.EscrowBaseURL != "" {
		holder = escrow.NewHTTPClient(cfg.EscrowBaseURL, cfg.EscrowTimeout)
	} else {
		logger.Warn("ESCROW_BASE_URL not set; payment holds will stay deferred")
	}

	auditWriter := audit.NewWriter(audit.NewPGRepository(pool), logger, cfg.AuditTimeout)
	offers := offer.NewService(
		offer.NewRepository(pool),
		holder,
		notify.NewOutboxNotifier(pool, logger),
		auditWriter,
		logger,
	)

	server := &Server{
		offerService:    offers,
		shipmentService: shipment.NewService(shipment.NewRepository(pool)),
		verifier:        auth.NewVerifier(cfg.JWTSecret),
		guard: idempotency.NewGuard(store,
			idempotency.WithHeader(cfg.IdempotencyHeader),
			idempotency.WithTTL(cfg.IdempotencyTTL),
			idempotency.WithLease(cfg.IdempotencyLease),
			idempotency.WithWait(cfg.IdempotencyWait),
			idempotency.WithOwner(idempotencyOwner),
			idempotency.WithLogger(logger),
		),
		logger: logger,
		ping:   pool.Ping,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := idempotency.NewSweeper(store, cfg.SweepInterval, logger)
	reconciler := offer.NewReconciler(offers, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "idempotency_backend", cfg.IdempotencyBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		if err := auditWriter.Close(shutdownCtx); err != nil {
			logger.Error("audit writer did not drain", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newIdempotencyStore(cfg *config.Config, pool *pgxpool.Pool) (idempotency.Store, func(), error) {
	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return idempotency.NewRedisStore(client, "freightflow:idem"), func() { _ = client.Close() }, nil
	case config.BackendMemory:
		return idempotency.NewMemoryStore(), func() {}, nil
	case config.BackendPostgres:
		return idempotency.NewPGStore(pool), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}
