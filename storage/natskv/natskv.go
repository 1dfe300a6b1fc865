// Package natskv stores runtime state in a NATS JetStream key-value bucket.
package natskv

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/natsclient"
	"github.com/c360/nodeflow/pkg/retry"
	"github.com/c360/nodeflow/storage"
)

// Config configures the bucket.
type Config struct {
	Bucket  string `json:"bucket" yaml:"bucket"`
	History uint8  `json:"history" yaml:"history"`
}

// DefaultConfig returns the default bucket settings.
func DefaultConfig() Config {
	return Config{Bucket: "nodeflow_state", History: 5}
}

// Store is a storage.Store backed by a KV bucket.
type Store struct {
	bucket jetstream.KeyValue
	retry  retry.Config
}

// New creates or opens the bucket.
func New(ctx context.Context, client *natsclient.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "NATSKVStore", "New", "validate client")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultConfig().Bucket
	}
	if cfg.History == 0 {
		cfg.History = DefaultConfig().History
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "nodeflow flows, credentials and settings",
		History:     cfg.History,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSKVStore", "New", "create KV bucket")
	}
	return NewWithBucket(bucket), nil
}

// NewWithBucket wraps an existing bucket.
func NewWithBucket(bucket jetstream.KeyValue) *Store {
	return &Store{bucket: bucket, retry: retry.DefaultConfig()}
}

// Put writes data, retrying transient failures.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	err := retry.Do(ctx, s.retry, func() error {
		_, err := s.bucket.Put(ctx, key, data)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSKVStore", "Put", fmt.Sprintf("put %s", key))
	}
	return nil
}

// Get reads the latest value of key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, fmt.Errorf("kv get %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSKVStore", "Get", fmt.Sprintf("get %s", key))
	}
	return entry.Value(), nil
}

// List returns keys with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.bucket.Keys(ctx)
	if stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSKVStore", "List", "list keys")
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "NATSKVStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Close is a no-op; the connection belongs to the natsclient.Client.
func (s *Store) Close() error { return nil }
