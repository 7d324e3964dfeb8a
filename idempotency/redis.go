package idempotency

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record in a hash that Redis expires at the record's
// ExpiresAt. Reservations are separate lock keys set with NX and a PX lease.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis backed store. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisStore) lockKey(key string) string {
	return fmt.Sprintf("%s:%s:lock", s.prefix, key)
}

func (s *RedisStore) Lookup(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis lookup: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec, err := decodeRecord(key, fields)
	if err != nil {
		return Record{}, false, err
	}
	// Eviction is lazy; the stored expiry is authoritative.
	if !rec.Live(now) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, endpointPath string, now time.Time, lease time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(key), endpointPath, lease).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: redis reserve: %w", err)
	}
	if !ok {
		return false, nil
	}

	// A completed record still owns the key; hand the lock back.
	if _, found, err := s.Lookup(ctx, key, now); err != nil || found {
		if derr := s.client.Del(ctx, s.lockKey(key)).Err(); derr != nil && err == nil {
			err = fmt.Errorf("idempotency: redis reserve: %w", derr)
		}
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}

	fields := map[string]interface{}{
		"endpoint_path":   rec.EndpointPath,
		"response_status": strconv.Itoa(rec.ResponseStatus),
		"response_body":   base64.StdEncoding.EncodeToString(rec.ResponseBody),
		"content_type":    rec.ContentType,
		"created_at":      strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
		"expires_at":      strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10),
		"owner_id":        "",
	}
	if rec.OwnerID != nil {
		fields["owner_id"] = *rec.OwnerID
	}

	k := s.redisKey(rec.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, fields)
		pipe.PExpireAt(ctx, k, rec.ExpiresAt)
		pipe.Del(ctx, s.lockKey(rec.Key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts expired hashes itself.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func decodeRecord(key string, fields map[string]string) (Record, error) {
	status, err := strconv.Atoi(fields["response_status"])
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: parse stored status: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(fields["response_body"])
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: decode stored body: %w", err)
	}
	createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: parse created_at: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: parse expires_at: %w", err)
	}

	rec := Record{
		Key:            key,
		EndpointPath:   fields["endpoint_path"],
		ResponseStatus: status,
		ResponseBody:   body,
		ContentType:    fields["content_type"],
		CreatedAt:      time.UnixMilli(createdMs).UTC(),
		ExpiresAt:      time.UnixMilli(expiresMs).UTC(),
	}
	if owner := fields["owner_id"]; owner != "" {
		rec.OwnerID = &owner
	}
	return rec, nil
}
