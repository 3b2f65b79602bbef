package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Store owns the persisted configuration. Readers take immutable snapshots;
// the file is re-read whenever it changes on disk, so edits made by another
// process (e.g. "inboxrelay channels disable sms") apply to the next file.
type Store struct {
	path string

	mu      sync.Mutex
	cfg     *Config
	modTime time.Time
	size    int64
}

// OpenStore loads path, falling back to Defaults when it does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: ExpandPath(path)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Snapshot returns a private copy of the current configuration.
// A config file that became invalid keeps the last good snapshot in use.
func (s *Store) Snapshot() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); err == nil && s.changed(info) {
		if cfg, err := Load(s.path); err == nil {
			s.cfg = cfg
			s.modTime, s.size = info.ModTime(), info.Size()
		}
	}
	return Clone(s.cfg)
}

// Save validates and persists cfg synchronously, then makes it current.
func (s *Store) Save(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Save(s.path, cfg); err != nil {
		return err
	}
	s.cfg = Clone(cfg)
	if info, err := os.Stat(s.path); err == nil {
		s.modTime, s.size = info.ModTime(), info.Size()
	}
	return nil
}

// Update applies fn to a copy of the current config and saves the result.
func (s *Store) Update(fn func(*Config) error) error {
	cfg := s.Snapshot()
	if err := fn(cfg); err != nil {
		return err
	}
	return s.Save(cfg)
}

func (s *Store) changed(info fs.FileInfo) bool {
	return !info.ModTime().Equal(s.modTime) || info.Size() != s.size
}

func (s *Store) reload() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Defaults()
		cfg.expandPaths()
		s.cfg = cfg
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config %s: %w", s.path, err)
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.modTime, s.size = info.ModTime(), info.Size()
	return nil
}
