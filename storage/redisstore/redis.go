// Package redisstore stores runtime state as Redis string keys under a prefix.
package redisstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/pkg/retry"
	"github.com/c360/nodeflow/storage"
)

// Config describes the Redis connection.
type Config struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// Store is a storage.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	retry  retry.Config
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RedisStore", "New", "validate address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "RedisStore", "New", "ping redis")
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "nodeflow:"
	}
	return &Store{client: client, prefix: prefix, retry: retry.DefaultConfig()}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Put sets key, retrying transient failures.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	err := retry.Do(ctx, s.retry, func() error {
		return s.client.Set(ctx, s.key(key), data, 0).Err()
	})
	if err != nil {
		return errors.WrapTransient(err, "RedisStore", "Put", fmt.Sprintf("set %s", key))
	}
	return nil
}

// Get reads key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "Get", fmt.Sprintf("get %s", key))
	}
	return data, nil
}

// List scans keys under the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "List", "scan keys")
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Delete", fmt.Sprintf("del %s", key))
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
