package idempotency

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultHeader is the request header carrying the client-chosen key.
	DefaultHeader = "Idempotency-Key"
	// DefaultTTL is how long a captured outcome stays replayable.
	DefaultTTL = 24 * time.Hour
	// ReplayedHeader marks responses served from a stored record.
	ReplayedHeader = "X-Idempotency-Replayed"
	// DefaultLease bounds how long a reservation survives a holder that
	// never completes or releases it.
	DefaultLease = time.Minute
	// DefaultWait is how long a duplicate request waits for the in-flight
	// original before it is told to retry later.
	DefaultWait = 10 * time.Second
)

// ErrEmptyKey is returned by stores asked to persist a record without a key.
var ErrEmptyKey = errors.New("idempotency: empty key")

// Record is the captured outcome of one mutating request.
type Record struct {
	Key            string
	OwnerID        *string
	EndpointPath   string
	ResponseStatus int
	ResponseBody   []byte
	ContentType    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Live reports whether the record is still replayable at now.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Store persists captured outcomes. Keys are global; a key is never scoped
// to an endpoint or owner.
type Store interface {
	// Lookup returns the completed record for key if one exists and has not
	// expired at now. Reservations are never returned.
	Lookup(ctx context.Context, key string, now time.Time) (Record, bool, error)
	// Reserve marks key as in flight until now+lease. It reports false when
	// a live record or another live reservation already holds the key.
	Reserve(ctx context.Context, key, endpointPath string, now time.Time, lease time.Duration) (bool, error)
	// Release drops a reservation on key. Completed records are left alone.
	Release(ctx context.Context, key string) error
	// Save inserts rec or overwrites the existing record with the same key,
	// completing any reservation on it.
	Save(ctx context.Context, rec Record) error
	// DeleteExpired removes records whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
