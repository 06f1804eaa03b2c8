package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "genomic-gateway:session:"

// redisClient is the subset of *redis.Client used by RedisStore.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps sessions in Redis as JSON values. The key TTL equals the
// token lifetime, so Redis drops sessions the token manager would reject
// anyway.
type RedisStore struct {
	client redisClient
	now    func() time.Time
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client redisClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisStoreFromURL parses a redis:// URL and verifies connectivity.
func NewRedisStoreFromURL(ctx context.Context, rawURL string) (*RedisStore, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), client, nil
}

func (s *RedisStore) Create(ctx context.Context, key, token string, expiresIn time.Duration, role Role, patientID string) (*Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	now := s.now()
	sess, err := New(token, expiresIn, role, patientID, now)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, sess.Expiry.Sub(now)).Err(); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess.clone(), nil
}

func (s *RedisStore) Current(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, nil
	}
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
