package testutil

import (
	"context"
	"sync"

	"github.com/c360/nodeflow/storage"
)

// FailingStore wraps a store and fails operations on chosen keys.
type FailingStore struct {
	storage.Store

	mu      sync.Mutex
	failPut map[string]error
	failGet map[string]error
	puts    map[string]int
}

// NewFailingStore wraps inner.
func NewFailingStore(inner storage.Store) *FailingStore {
	return &FailingStore{
		Store:   inner,
		failPut: make(map[string]error),
		failGet: make(map[string]error),
		puts:    make(map[string]int),
	}
}

// FailPut makes every Put of key return err. A nil err clears the failure.
func (s *FailingStore) FailPut(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failPut, key)
		return
	}
	s.failPut[key] = err
}

// FailGet makes every Get of key return err. A nil err clears the failure.
func (s *FailingStore) FailGet(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failGet, key)
		return
	}
	s.failGet[key] = err
}

// Puts returns the number of successful writes to key.
func (s *FailingStore) Puts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

// Put implements storage.Store.
func (s *FailingStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	err := s.failPut[key]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.Store.Put(ctx, key, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.puts[key]++
	s.mu.Unlock()
	return nil
}

// Get implements storage.Store.
func (s *FailingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	err := s.failGet[key]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, key)
}
