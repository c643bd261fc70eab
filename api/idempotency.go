package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can avoid reprocessing the same create submission. The value under each key
// is the id of the entity the first submission created, so duplicates can be
// answered with the existing entity.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key, entityID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), entityID, r.ttl).Result()
}

// Lookup returns the entity id recorded for the key, or "" when the key is
// unknown or has expired.
func (r *RedisDeduper) Lookup(ctx context.Context, userID, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Remove deletes a previously recorded key. It is used when downstream
// processing fails so the caller may retry the submission.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
