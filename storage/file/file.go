// Package file stores runtime state as JSON files in a user directory,
// using the familiar layout flows.json, flows_cred.json and .config.json.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/storage"
)

// Config configures the file backend.
type Config struct {
	Dir            string `json:"dir" yaml:"dir"`
	FlowFile       string `json:"flow_file" yaml:"flow_file"`
	CredentialFile string `json:"credential_file" yaml:"credential_file"`
	SettingsFile   string `json:"settings_file" yaml:"settings_file"`
}

// DefaultConfig returns the default file layout rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		FlowFile:       "flows.json",
		CredentialFile: "flows_cred.json",
		SettingsFile:   ".config.json",
	}
}

// Store writes each key to its own file. Writes are atomic: data goes to a
// temporary file in the same directory which is then renamed over the target.
type Store struct {
	cfg Config
	mu  sync.Mutex
}

// New creates the directory if needed and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "FileStore", "New", "validate dir")
	}
	def := DefaultConfig(cfg.Dir)
	if cfg.FlowFile == "" {
		cfg.FlowFile = def.FlowFile
	}
	if cfg.CredentialFile == "" {
		cfg.CredentialFile = def.CredentialFile
	}
	if cfg.SettingsFile == "" {
		cfg.SettingsFile = def.SettingsFile
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "New", "create dir")
	}
	return &Store{cfg: cfg}, nil
}

func (s *Store) path(key string) (string, error) {
	switch key {
	case storage.KeyFlows:
		return filepath.Join(s.cfg.Dir, s.cfg.FlowFile), nil
	case storage.KeyCredentials:
		return filepath.Join(s.cfg.Dir, s.cfg.CredentialFile), nil
	case storage.KeySettings:
		return filepath.Join(s.cfg.Dir, s.cfg.SettingsFile), nil
	}
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", errors.WrapInvalid(fmt.Errorf("invalid key %q", key), "FileStore", "path", "validate key")
	}
	return filepath.Join(s.cfg.Dir, key+".json"), nil
}

// Put atomically replaces the file for key.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.cfg.Dir, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Put", "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "FileStore", "Put", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "FileStore", "Put", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "FileStore", "Put", "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		return errors.WrapTransient(err, "FileStore", "Put", "rename temp file")
	}
	return nil
}

// Get reads the file for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file get %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "Get", "read file")
	}
	return data, nil
}

// List returns the keys currently stored.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "List", "read dir")
	}

	named := map[string]string{
		s.cfg.FlowFile:       storage.KeyFlows,
		s.cfg.CredentialFile: storage.KeyCredentials,
		s.cfg.SettingsFile:   storage.KeySettings,
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := named[e.Name()]
		if !ok {
			if strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			key = strings.TrimSuffix(e.Name(), ".json")
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes the file for key.
func (s *Store) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.WrapTransient(err, "FileStore", "Delete", "remove file")
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
