package payment

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNonceStore keeps one key per nonce with the provider's validity window
// as TTL.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "rentcore:nonce:"}
}

func (s *RedisNonceStore) key(provider, nonce string) string {
	return s.prefix + provider + ":" + nonce
}

func (s *RedisNonceStore) Seen(ctx context.Context, provider, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(provider, nonce)).Result()
	return n > 0, err
}

func (s *RedisNonceStore) Remember(ctx context.Context, provider, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(provider, nonce), 1, ttl).Err()
}
