package config

import (
	"fmt"
	"sync"
)

// Store holds the live configuration. Readers take snapshots; writers
// replace the whole config after validating it.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a Store holding a copy of cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: *cfg}
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cfg
	c.Hotkey.Keys = append([]string(nil), s.cfg.Hotkey.Keys...)
	return c
}

// Snapshot returns the current settings snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Snapshot()
}

// Update applies fn to a copy of the config and stores it if it validates.
// It reports whether the engine options changed.
func (s *Store) Update(fn func(*Config)) (engineChanged bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.Hotkey.Keys = append([]string(nil), s.cfg.Hotkey.Keys...)
	fn(&next)
	if err := next.Validate(); err != nil {
		return false, fmt.Errorf("config: update rejected: %w", err)
	}
	engineChanged = next.Snapshot().Engine != s.cfg.Snapshot().Engine
	s.cfg = next
	return engineChanged, nil
}
