package audit

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// DefaultTimeout bounds a single background append.
const DefaultTimeout = 5 * time.Second

// Writer records audit entries in the background. Record never blocks on
// storage and never reports failure to the caller; failures are logged.
type Writer struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewWriter creates a writer appending through repo.
func NewWriter(repo Repository, logger *slog.Logger, timeout time.Duration) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Writer{
		repo:    repo,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock overrides the time source used for CreatedAt.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	if now != nil {
		w.now = now
	}
	return w
}

// Record schedules e for persistence. The write outlives ctx cancellation.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now()
	}
	if e.Details != nil {
		e.Details = maps.Clone(e.Details)
	}

	detached := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		writeCtx, cancel := context.WithTimeout(detached, w.timeout)
		defer cancel()

		if err := w.repo.Append(writeCtx, e); err != nil {
			w.logger.Error("audit write failed",
				"action", e.Action,
				"resource_type", e.ResourceType,
				"resource_id", e.ResourceID,
				"error", err,
			)
		}
	}()
}

// Close waits for in-flight writes or until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
