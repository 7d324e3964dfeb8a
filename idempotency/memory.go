package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	reserved map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		reserved: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, key string, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.Live(now) {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, _ string, now time.Time, lease time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Live(now) {
		return false, nil
	}
	if until, ok := s.reserved[key]; ok && now.Before(until) {
		return false, nil
	}
	s.reserved[key] = now.Add(lease)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, key)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.Key]; ok && prev.Live(rec.CreatedAt) {
		rec.CreatedAt = prev.CreatedAt
	}
	s.records[rec.Key] = cloneRecord(rec)
	delete(s.reserved, rec.Key)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.records {
		if !rec.Live(now) {
			delete(s.records, k)
			n++
		}
	}
	for k, until := range s.reserved {
		if !now.Before(until) {
			delete(s.reserved, k)
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired ones included.
// Reservations are not counted.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneRecord(rec Record) Record {
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	if rec.OwnerID != nil {
		owner := *rec.OwnerID
		rec.OwnerID = &owner
	}
	return rec
}
