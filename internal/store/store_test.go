package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"), 0o600, 0o700)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set(KeyAccessToken, "AT1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(KeyRefreshToken, "RT1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if got := s.Get(KeyAccessToken); got != "AT1" {
		t.Errorf("Expected AT1, got %q", got)
	}
	if got := s.Get(KeyRefreshToken); got != "RT1" {
		t.Errorf("Expected RT1, got %q", got)
	}
	if got := s.Get(KeyTheme); got != "" {
		t.Errorf("Unset slot should be empty, got %q", got)
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := New(path, 0o600, 0o700)
	if err := first.Set(KeyAccessToken, "AT1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := first.Set(KeyTheme, "light"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	second := New(path, 0o600, 0o700)
	if err := second.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := second.Get(KeyAccessToken); got != "AT1" {
		t.Errorf("Expected AT1 after reload, got %q", got)
	}
	if got := second.Get(KeyTheme); got != "light" {
		t.Errorf("Expected light after reload, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load of a missing file should not fail: %v", err)
	}
	if got := s.Get(KeyAccessToken); got != "" {
		t.Errorf("Fresh store should be empty, got %q", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set(KeyAccessToken, "AT1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Delete(KeyAccessToken, KeyRefreshToken); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := s.Get(KeyAccessToken); got != "" {
		t.Errorf("Expected empty slot after delete, got %q", got)
	}

	// Deleting again must not fail
	if err := s.Delete(KeyAccessToken, KeyRefreshToken); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
}

func TestLoadCleansStaleTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path+".tmp", []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New(path, 0o600, 0o700)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Stale temp file should have been removed")
	}
}
