// Package state persists the last confirmed state of each system under test,
// so consecutive optest invocations can resume where the previous one left
// the machine instead of starting from UNKNOWN.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is what is known about one system
type Record struct {
	System        string    `json:"system"`
	State         string    `json:"state"`
	LastOperation string    `json:"lastOperation,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	Updated       time.Time `json:"updated"`
}

// File is the on-disk layout of the state file
type File struct {
	Systems map[string]*Record `json:"systems"`
}

// Store reads and writes one state file. Writes go through a temporary
// file and a rename so a crash never leaves a truncated file behind.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns the store at path. The file is created on first update.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the state file path
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing or empty file is an empty state.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*File, error) {
	f := &File{Systems: make(map[string]*Record)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file %s: %w", s.path, err)
	}
	if f.Systems == nil {
		f.Systems = make(map[string]*Record)
	}
	return f, nil
}

// Get returns the record of system, if any
func (s *Store) Get(system string) (*Record, bool, error) {
	f, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	r, ok := f.Systems[system]
	return r, ok, nil
}

// Update applies fn to the record of system and saves the file
func (s *Store) Update(system string, fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	r, ok := f.Systems[system]
	if !ok {
		r = &Record{System: system}
		f.Systems[system] = r
	}
	fn(r)
	r.Updated = s.now()

	return s.save(f)
}

func (s *Store) save(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	return nil
}
