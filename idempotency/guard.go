package idempotency

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Guard is HTTP middleware that replays the captured outcome of a mutating
// request whose idempotency key has been seen before. A key runs its handler
// at most once at a time: duplicates wait for the original's outcome. Store
// failures never fail the request; the guard degrades to pass-through.
type Guard struct {
	store  Store
	header string
	ttl    time.Duration
	lease  time.Duration
	wait   time.Duration
	poll   time.Duration
	now    func() time.Time
	owner  func(*http.Request) *string
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithHeader sets the request header that carries the key.
func WithHeader(name string) GuardOption {
	return func(g *Guard) {
		if strings.TrimSpace(name) != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long captured outcomes stay replayable.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLease sets how long a reservation outlives a holder that crashed.
func WithLease(lease time.Duration) GuardOption {
	return func(g *Guard) {
		if lease > 0 {
			g.lease = lease
		}
	}
}

// WithWait sets how long a duplicate waits for the in-flight original.
// Zero answers 409 IN_PROGRESS immediately.
func WithWait(wait time.Duration) GuardOption {
	return func(g *Guard) {
		if wait >= 0 {
			g.wait = wait
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithOwner sets the function resolving the acting user recorded with a capture.
func WithOwner(owner func(*http.Request) *string) GuardOption {
	return func(g *Guard) {
		g.owner = owner
	}
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard builds a guard over store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:    store,
		header:   DefaultHeader,
		ttl:      DefaultTTL,
		lease:    DefaultLease,
		wait:     DefaultWait,
		poll:     50 * time.Millisecond,
		now:      time.Now,
		owner:    func(*http.Request) *string { return nil },
		logger:   slog.Default(),
		inFlight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware wraps next with replay and capture.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(g.header))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		deadline := time.NewTimer(g.wait)
		defer deadline.Stop()

		for {
			if g.replayStored(w, r, key) {
				return
			}
			done, leader := g.markLocal(key)
			if leader {
				g.lead(w, r, next, key, done, deadline.C)
				return
			}
			// Another request in this process holds the key. Once it
			// finishes, look again: it either stored an outcome or released
			// the key for us to run.
			select {
			case <-done:
			case <-deadline.C:
				writeInProgress(w)
				return
			case <-r.Context().Done():
				writeInProgress(w)
				return
			}
		}
	})
}

// lead runs next for key under a store reservation, waiting out a holder
// in another process first.
func (g *Guard) lead(w http.ResponseWriter, r *http.Request, next http.Handler, key string, done chan struct{}, deadline <-chan time.Time) {
	defer g.unmarkLocal(key, done)

	held, err := g.store.Reserve(r.Context(), key, r.URL.Path, g.now(), g.lease)
	if err != nil {
		g.logger.Warn("idempotency reservation failed; continuing without replay",
			"key", key, "path", r.URL.Path, "error", err.Error())
	}
	if err == nil && !held {
		ticker := time.NewTicker(g.poll)
		defer ticker.Stop()
		for !held {
			select {
			case <-ticker.C:
			case <-deadline:
				writeInProgress(w)
				return
			case <-r.Context().Done():
				writeInProgress(w)
				return
			}
			if g.replayStored(w, r, key) {
				return
			}
			held, err = g.store.Reserve(r.Context(), key, r.URL.Path, g.now(), g.lease)
			if err != nil {
				g.logger.Warn("idempotency reservation failed; continuing without replay",
					"key", key, "path", r.URL.Path, "error", err.Error())
				break
			}
		}
	}

	// A 5xx, a failed capture or a panic leaves nothing to replay, so the
	// key is handed back for the retry.
	captured := false
	if held {
		defer func() {
			if captured {
				return
			}
			if err := g.store.Release(context.WithoutCancel(r.Context()), key); err != nil {
				g.logger.Warn("idempotency release failed; key stays reserved until its lease ends",
					"key", key, "path", r.URL.Path, "error", err.Error())
			}
		}()
	}

	cw := newCaptureWriter(w)
	next.ServeHTTP(cw, r)
	status := cw.statusCode()

	if shouldCapture(status) {
		now := g.now()
		capture := Record{
			Key:            key,
			OwnerID:        g.owner(r),
			EndpointPath:   r.URL.Path,
			ResponseStatus: status,
			ResponseBody:   cw.body.Bytes(),
			ContentType:    w.Header().Get("Content-Type"),
			CreatedAt:      now,
			ExpiresAt:      now.Add(g.ttl),
		}
		// The outcome already happened; a disconnected client must not lose it.
		if err := g.store.Save(context.WithoutCancel(r.Context()), capture); err != nil {
			g.logger.Warn("idempotency capture failed; response will not be replayable",
				"key", key, "path", r.URL.Path, "error", err.Error())
		} else {
			captured = true
		}
	}

	cw.flush()
}

func (g *Guard) replayStored(w http.ResponseWriter, r *http.Request, key string) bool {
	rec, found, err := g.store.Lookup(r.Context(), key, g.now())
	if err != nil {
		g.logger.Warn("idempotency lookup failed; continuing without replay",
			"key", key, "path", r.URL.Path, "error", err.Error())
		return false
	}
	if !found {
		return false
	}
	if rec.EndpointPath != r.URL.Path {
		g.logger.Warn("idempotency key reused across endpoints",
			"key", key, "stored_path", rec.EndpointPath, "path", r.URL.Path)
	}
	replay(w, rec)
	return true
}

// markLocal claims key for this process. When another request already holds
// it, the returned channel closes once that request is done.
func (g *Guard) markLocal(key string) (chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if done, ok := g.inFlight[key]; ok {
		return done, false
	}
	done := make(chan struct{})
	g.inFlight[key] = done
	return done, true
}

func (g *Guard) unmarkLocal(key string, done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
	close(done)
}

func writeInProgress(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusConflict)
	_, _ = io.WriteString(w, `{"status":"conflict","error":{"code":"IN_PROGRESS","message":"a request with this idempotency key is still being processed"}}`+"\n")
}

func replay(w http.ResponseWriter, rec Record) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(rec.ResponseStatus)
	_, _ = w.Write(rec.ResponseBody)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// shouldCapture keeps definitive outcomes only. Server errors may be
// transient, so the retry is allowed to run again.
func shouldCapture(status int) bool {
	return status >= 200 && status < 500
}

// captureWriter buffers the handler's response so it can be stored before
// anything reaches the client.
type captureWriter struct {
	w      http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{w: w}
}

func (c *captureWriter) Header() http.Header {
	return c.w.Header()
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *captureWriter) flush() {
	c.w.WriteHeader(c.statusCode())
	_, _ = c.w.Write(c.body.Bytes())
}
