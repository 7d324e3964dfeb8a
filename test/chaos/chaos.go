package chaos

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates backends opened by the stress run so settlement and
// idempotency writes see dropped connections mid-transaction. Only sessions
// tagged with App are touched; other clients of the same server are left
// alone.
type Killer struct {
	Pool  *pgxpool.Pool
	App   string
	Every time.Duration
	// One in Odds ticks fires a kill.
	Odds int

	killed atomic.Int64
}

// Killed reports how many backends were terminated.
func (k *Killer) Killed() int64 {
	return k.killed.Load()
}

// Run fires until ctx is done or stop is closed.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every := k.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	odds := k.Odds
	if odds < 1 {
		odds = 5
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.IntN(odds) != 0 {
				continue
			}
			var hit bool
			err := k.Pool.QueryRow(ctx, `
				SELECT coalesce(bool_or(pg_terminate_backend(pid)), false)
				FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND pid <> pg_backend_pid()
					ORDER BY random()
					LIMIT 1
				) victim`, k.App).Scan(&hit)
			if err == nil && hit {
				k.killed.Add(1)
			}
		}
	}
}
