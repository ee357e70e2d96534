package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyTTL = 48 * time.Hour

type RedisIssuer struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisIssuer(rdb *redis.Client, prefix string) *RedisIssuer {
	if prefix == "" {
		prefix = "queue:token"
	}
	return &RedisIssuer{rdb: rdb, prefix: prefix}
}

func (r *RedisIssuer) Key(day string) string {
	return fmt.Sprintf("%s:%s", r.prefix, day)
}

func (r *RedisIssuer) Issue(ctx context.Context, day string) (string, error) {
	key := r.Key(day)
	seq, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("incr token sequence: %w", err)
	}
	if seq == 1 {
		if err := r.rdb.Expire(ctx, key, keyTTL).Err(); err != nil {
			return "", fmt.Errorf("expire token sequence: %w", err)
		}
	}
	return Format(day, seq), nil
}
