// Package store provides the durable client-side state file. It holds the
// small set of named slots the dashboard persists across restarts: the two
// token slots, the theme preference, and the remembered login email.
//
// Writes are atomic (temp file + rename) so a crash mid-save never leaves a
// truncated state file behind. A missing file is not an error; the client
// simply starts anonymous.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Well-known slot names. These match the storage keys the dashboard has
// always used, so a state file survives client upgrades.
const (
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeyTheme           = "theme"
	KeyRememberedEmail = "remembered_email"
)

// Store is a thread-safe named-slot store persisted to a single JSON file.
type Store struct {
	mu     sync.RWMutex
	values map[string]string

	filePath        string
	filePermissions os.FileMode
	dirPermissions  os.FileMode
}

// persistenceFile is the on-disk layout of the state file.
type persistenceFile struct {
	Version string            `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Values  map[string]string `json:"values"`
}

// New creates a Store persisting to filePath. If filePath is empty, an
// OS-appropriate location under the user config directory is used, falling
// back to the tmp directory.
func New(filePath string, filePermissions, dirPermissions os.FileMode) *Store {
	if filePath == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		filePath = filepath.Join(base, "chemdash", "state.json")
	}

	return &Store{
		values:          make(map[string]string),
		filePath:        filePath,
		filePermissions: filePermissions,
		dirPermissions:  dirPermissions,
	}
}

// Get returns the value held in a slot, or the empty string if unset.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set writes a slot in memory and persists the store.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return s.Save()
}

// Delete removes a slot and persists the store. Deleting an unset slot is a
// no-op apart from the save.
func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
	return s.Save()
}

// Save persists the current slots to the state file atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, s.dirPermissions); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data := persistenceFile{
		Version: "1.0",
		SavedAt: time.Now(),
		Values:  s.values,
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write to temporary file first (atomic write)
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, jsonData, s.filePermissions); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempPath, s.filePath); err != nil {
		_ = os.Remove(tempPath) // Clean up temp file on rename failure
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// Load restores slots from the state file. A missing file leaves the store
// empty and returns nil.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clean up any stale temp files from previous crashes
	tempPath := s.filePath + ".tmp"
	if _, err := os.Stat(tempPath); err == nil {
		_ = os.Remove(tempPath)
	}

	if _, err := os.Stat(s.filePath); os.IsNotExist(err) {
		return nil
	}

	jsonData, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var data persistenceFile
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	s.values = data.Values
	if s.values == nil {
		s.values = make(map[string]string)
	}

	return nil
}

// Path returns the state file location, mainly for diagnostics.
func (s *Store) Path() string {
	return s.filePath
}
