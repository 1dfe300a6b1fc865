// Package credentials caches per-node secrets separately from the flow
// document and persists them through an injected collaborator.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flowstore"
)

// PasswordPlaceholder is sent by editors in place of a password field whose
// value has not changed.
const PasswordPlaceholder = "__PWRD__"

// Record is the flat secret record of one node.
type Record map[string]string

// FieldType classifies a credential field.
type FieldType string

// Field types
const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
)

// Schema declares the credential fields of a node type.
type Schema map[string]FieldType

// SchemaLookup resolves the credential schema of a node type.
type SchemaLookup func(nodeType string) (Schema, bool)

// Storage persists the whole credential cache.
type Storage interface {
	GetCredentials(ctx context.Context) (map[string]map[string]string, error)
	SaveCredentials(ctx context.Context, creds map[string]map[string]string) error
}

// Store is the credential cache, keyed by node id.
type Store struct {
	storage Storage
	lookup  SchemaLookup
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]Record
	dirty bool
}

// NewStore creates an empty cache.
func NewStore(storage Storage, lookup SchemaLookup, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lookup == nil {
		lookup = func(string) (Schema, bool) { return nil, false }
	}
	return &Store{
		storage: storage,
		lookup:  lookup,
		logger:  logger.With("component", "credentials"),
		cache:   make(map[string]Record),
	}
}

// Load replaces the cache with the persisted one. Storage failures are
// logged and leave an empty cache.
func (s *Store) Load(ctx context.Context) {
	loaded, err := s.storage.GetCredentials(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]Record)
	s.dirty = false
	if err != nil {
		s.logger.Warn("Failed to load credentials, starting empty", "error", err)
		return
	}
	for id, rec := range loaded {
		s.cache[id] = Record(maps.Clone(rec))
	}
	s.logger.Debug("Loaded credentials", "nodes", len(s.cache))
}

// Add replaces the entry for id and persists the cache.
func (s *Store) Add(ctx context.Context, id string, rec Record) error {
	s.mu.Lock()
	s.cache[id] = maps.Clone(rec)
	s.mu.Unlock()
	return s.persist(ctx, "add")
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(rec), true
}

// Delete removes the entry for id and persists the cache.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return s.persist(ctx, "delete")
}

// Extract merges the credentials carried by n into the cache and strips them
// from n. Only fields declared by the node type's schema are merged. A
// password field carrying PasswordPlaceholder keeps its stored value; a
// blank value removes the field. Extract never persists; it reports whether
// the cache changed and marks the cache dirty for Save.
func (s *Store) Extract(n *flowstore.ConfiguredNode) bool {
	incoming := n.Credentials
	n.Credentials = nil
	if incoming == nil {
		return false
	}

	schema, ok := s.lookup(n.Type)
	if !ok || len(schema) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := maps.Clone(s.cache[n.ID])
	if saved == nil {
		saved = Record{}
	}
	changed := false

	for field, kind := range schema {
		raw, present := incoming[field]
		if !present {
			continue
		}
		value := stringValue(raw)
		if kind == FieldPassword && value == PasswordPlaceholder {
			continue
		}
		if strings.TrimSpace(value) == "" {
			if _, had := saved[field]; had {
				delete(saved, field)
				changed = true
			}
			continue
		}
		if saved[field] != value {
			saved[field] = value
			changed = true
		}
	}

	if !changed {
		return false
	}
	if len(saved) == 0 {
		delete(s.cache, n.ID)
	} else {
		s.cache[n.ID] = saved
	}
	s.dirty = true
	return true
}

// Clean drops entries whose id is absent from active and persists the cache
// if anything was removed.
func (s *Store) Clean(ctx context.Context, active flowstore.Flows) error {
	ids := make(map[string]bool, len(active))
	for _, n := range active {
		ids[n.ID] = true
	}

	s.mu.Lock()
	removed := 0
	for id := range s.cache {
		if !ids[id] {
			delete(s.cache, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed == 0 {
		return nil
	}
	s.logger.Debug("Removed stale credentials", "count", removed)
	return s.persist(ctx, "clean")
}

// Dirty reports whether Extract changed the cache since the last persist.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Snapshot is a copy of the cache and its dirty flag.
type Snapshot struct {
	cache map[string]Record
	dirty bool
}

// Snapshot copies the cache so a failed deploy can put it back.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{cache: cloneCache(s.cache), dirty: s.dirty}
}

// Restore replaces the cache with snap. It reports whether the cache
// differed from snap.
func (s *Store) Restore(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !maps.EqualFunc(s.cache, snap.cache, func(a, b Record) bool { return maps.Equal(a, b) })
	s.cache = cloneCache(snap.cache)
	s.dirty = snap.dirty
	return changed
}

func cloneCache(cache map[string]Record) map[string]Record {
	out := make(map[string]Record, len(cache))
	for id, rec := range cache {
		out[id] = maps.Clone(rec)
	}
	return out
}

// Save persists the cache unconditionally.
func (s *Store) Save(ctx context.Context) error {
	return s.persist(ctx, "save")
}

func (s *Store) persist(ctx context.Context, op string) error {
	s.mu.RLock()
	snapshot := make(map[string]map[string]string, len(s.cache))
	for id, rec := range s.cache {
		snapshot[id] = maps.Clone(rec)
	}
	s.mu.RUnlock()

	if err := s.storage.SaveCredentials(ctx, snapshot); err != nil {
		return &errors.CredentialStoreError{Op: op, Err: err}
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
