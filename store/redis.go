package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dbosk/weblogin"
)

// RedisStore persists snapshots in Redis under a key prefix, optionally
// sealed with a Cipher.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	cipher *Cipher
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithCipher seals snapshots before they are written to Redis.
func WithCipher(c *Cipher) RedisOption {
	return func(s *RedisStore) {
		s.cipher = c
	}
}

// WithTTL sets the expiry on stored snapshots. Zero means no expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

// Save implements Store.Save.
func (s *RedisStore) Save(ctx context.Context, snap *weblogin.Snapshot) error {
	var payload []byte
	var err error
	if s.cipher != nil {
		payload, err = s.cipher.Seal(snap)
	} else {
		payload, err = json.Marshal(snap)
	}
	if err != nil {
		return fmt.Errorf("cannot encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(snap.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cannot store snapshot in Redis: %w", err)
	}
	return nil
}

// Load implements Store.Load.
func (s *RedisStore) Load(ctx context.Context, id string) (*weblogin.Snapshot, error) {
	payload, err := s.client.Get(ctx, s.redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load snapshot from Redis: %w", err)
	}
	if s.cipher != nil {
		return s.cipher.Open(payload)
	}
	var snap weblogin.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("cannot decode snapshot: %w", err)
	}
	return &snap, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.redisKey(id)).Err(); err != nil {
		return fmt.Errorf("cannot delete snapshot from Redis: %w", err)
	}
	return nil
}

// List implements Store.List by scanning the store's key prefix.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	keyPrefix := s.redisKey("")
	var ids []string
	iter := s.client.Scan(ctx, 0, s.redisKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cannot list snapshots in Redis: %w", err)
	}
	return ids, nil
}
