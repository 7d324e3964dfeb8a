package offer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reconciler finishes settlement steps that failed or were interrupted
// after an acceptance committed.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	grace    time.Duration
	batch    int
	workers  int
	logger   *slog.Logger
}

func NewReconciler(svc *Service, interval, grace time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if grace < 0 {
		grace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		svc:      svc,
		interval: interval,
		grace:    grace,
		batch:    50,
		workers:  4,
		logger:   logger,
	}
}

// RunOnce claims a batch of stale pending steps and retries them with
// bounded parallelism. It returns how many steps were attempted.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	steps, err := r.svc.repo.ClaimPendingSteps(ctx, r.grace, r.batch)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, st := range steps {
		g.Go(func() error {
			if err := r.svc.resume(ctx, st); err != nil {
				r.logger.Warn("settlement retry failed", "offer_id", st.OfferID, "step", st.Step, "error", err)
			}
			return nil
		})
	}
	// Per-step failures are logged above; the closures never return an error.
	g.Wait()

	return len(steps), nil
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("settlement reconcile failed", "error", err)
				}
				continue
			}
			if n > 0 {
				r.logger.Info("settlement steps retried", "count", n)
			}
		}
	}
}
