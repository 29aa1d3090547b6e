package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/kvoauth/internal/log"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// scanBatch is the COUNT hint for SCAN when listing a namespace
const scanBatch = 200

// RedisConfig holds connection settings. Set Addr for a standalone server,
// or Sentinel for a failover group.
type RedisConfig struct {
	Addr      string
	Sentinel  *SentinelConfig
	Username  string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// RedisStore stores each key as a plain Redis string under
// "<prefix><namespace>:<id>" and relies on PX for expiry.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

func (c *RedisConfig) validate() error {
	if c.Addr == "" && c.Sentinel == nil {
		return errors.New("either addr or sentinel configuration is required")
	}
	if c.Addr != "" && c.Sentinel != nil {
		return errors.New("addr and sentinel are mutually exclusive")
	}
	if c.Sentinel != nil {
		if c.Sentinel.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(c.Sentinel.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	return nil
}

// NewRedisStore connects to Redis and verifies the connection with PING
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.LogInfoWithFields("redis", "Connected to Redis", map[string]any{
		"sentinel": cfg.Sentinel != nil,
		"db":       cfg.DB,
	})

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.keyPrefix + key.Namespace + ":" + key.ID
}

// Get returns the value, or ErrNotFound if Redis has no such key
func (s *RedisStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Set writes value with a PX expiry when ttl is positive
func (s *RedisStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}

	if err := s.client.Set(ctx, s.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Replace uses SET XX, which Redis applies only to an existing key
func (s *RedisStore) Replace(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}

	ok, err := s.client.SetXX(ctx, s.redisKey(key), value, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes key; DEL of a missing key is a no-op
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// GetDelete uses GETDEL, a single atomic command
func (s *RedisStore) GetDelete(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	data, err := s.client.GetDel(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume %s: %w", key, err)
	}
	return data, nil
}

// List scans the namespace prefix and reads each key's remaining TTL in a
// pipeline. Keys that vanish between SCAN and PTTL are skipped.
func (s *RedisStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	prefix := s.keyPrefix + namespace + ":"
	pattern := escapeGlob(prefix) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", namespace, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		ttls[i] = pipe.PTTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read ttls for %s: %w", namespace, err)
	}

	now := time.Now()
	entries := make([]Entry, 0, len(keys))
	for i, k := range keys {
		ttl := ttls[i].Val()
		// -2 means the key is gone, -1 means it has no expiry
		if ttl == -2 {
			continue
		}
		e := Entry{Key: Key{Namespace: namespace, ID: strings.TrimPrefix(k, prefix)}}
		if ttl > 0 {
			e.ExpiresAt = now.Add(ttl)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks Redis connectivity (health check)
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats specially
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
