package config

import (
	"fmt"
	"strings"
	"sync"
)

// SettingsStore owns the live Settings. Readers always receive a copy.
type SettingsStore struct {
	path string

	// writeMu keeps file and memory in the same order when Set races Set.
	writeMu sync.Mutex

	mu          sync.RWMutex
	current     Settings
	subscribers []func(Settings)
}

// NewSettingsStore wraps already-loaded settings. The initial value is not
// validated: a media root that went missing since the last run must not keep
// the process from starting.
func NewSettingsStore(path string, initial Settings) (*SettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	return &SettingsStore{
		path:    path,
		current: initial.Clone(),
	}, nil
}

func (s *SettingsStore) Path() string {
	return s.path
}

func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Set validates next, writes it to disk and only then swaps it in. A rejected
// value leaves both the file and the in-memory settings untouched.
func (s *SettingsStore) Set(next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := WriteSettingsFile(s.path, next); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	s.current = next.Clone()
	subs := append([]func(Settings){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next.Clone())
	}
	return next.Clone(), nil
}

// Subscribe registers fn to run after every accepted Set.
func (s *SettingsStore) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

func (s *SettingsStore) Fingerprint() string {
	return s.Get().Fingerprint()
}
