package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chemdash/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(filepath.Join(t.TempDir(), "state.json"), 0o600, 0o700)
}

func TestAuthorizationValue(t *testing.T) {
	st := newTestStore(t)
	m := NewManager("https://chemdash.example.com", 5*time.Second, st)

	if got := m.AuthorizationValue(); got != "" {
		t.Errorf("Anonymous session should have empty header, got %q", got)
	}

	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got := m.AuthorizationValue(); got != "Bearer AT1" {
		t.Errorf("Expected 'Bearer AT1', got %q", got)
	}
}

func TestStoreRetainsRefreshToken(t *testing.T) {
	st := newTestStore(t)
	m := NewManager("https://chemdash.example.com", 5*time.Second, st)

	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	// A refresh exchange rotates only the access token
	if err := m.Store("AT2", ""); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	cred := m.Credential()
	if cred.AccessToken != "AT2" {
		t.Errorf("Expected AT2, got %q", cred.AccessToken)
	}
	if cred.RefreshToken != "RT1" {
		t.Errorf("Refresh token should be retained, got %q", cred.RefreshToken)
	}
	if got := st.Get(store.KeyRefreshToken); got != "RT1" {
		t.Errorf("Persisted refresh token should be RT1, got %q", got)
	}
}

func TestRestoreFromStore(t *testing.T) {
	st := newTestStore(t)
	if err := st.Set(store.KeyAccessToken, "AT1"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(store.KeyRefreshToken, "RT1"); err != nil {
		t.Fatal(err)
	}

	m := NewManager("https://chemdash.example.com", 5*time.Second, st)
	if got := m.AuthorizationValue(); got != "Bearer AT1" {
		t.Errorf("Expected token restore at startup, got %q", got)
	}
	if !m.HasRefreshToken() {
		t.Error("Expected refresh token restore at startup")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	m := NewManager("https://chemdash.example.com", 5*time.Second, st)

	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Second clear failed: %v", err)
	}

	if !m.Credential().Anonymous() {
		t.Error("Session should be anonymous after clear")
	}
	if got := st.Get(store.KeyAccessToken); got != "" {
		t.Errorf("Persisted access token should be gone, got %q", got)
	}
}

func TestRefreshSuccess(t *testing.T) {
	var sawCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/refresh/" {
			t.Errorf("Expected path /api/auth/refresh/, got %s", r.URL.Path)
		}
		if cookie, err := r.Cookie(RefreshCookieName); err == nil {
			sawCookie = cookie.Value
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"access": "AT2"}); err != nil {
			t.Errorf("Failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	st := newTestStore(t)
	m := NewManager(server.URL, 5*time.Second, st)
	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatal(err)
	}

	access, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if access != "AT2" {
		t.Errorf("Expected AT2, got %q", access)
	}
	if sawCookie != "RT1" {
		t.Errorf("Refresh token should travel on its cookie, got %q", sawCookie)
	}

	cred := m.Credential()
	if cred.AccessToken != "AT2" || cred.RefreshToken != "RT1" {
		t.Errorf("Unexpected credential after refresh: %+v", cred)
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	st := newTestStore(t)
	m := NewManager(server.URL, 5*time.Second, st)
	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Expected ErrRefreshFailed, got %v", err)
	}

	if !m.Credential().Anonymous() {
		t.Error("Session should be anonymous after failed refresh")
	}
	if got := st.Get(store.KeyRefreshToken); got != "" {
		t.Errorf("Persisted refresh token should be gone, got %q", got)
	}
}

func TestRefreshWithoutTokenFails(t *testing.T) {
	st := newTestStore(t)
	m := NewManager("https://chemdash.example.com", 5*time.Second, st)

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Expected ErrRefreshFailed, got %v", err)
	}
}

func TestRefreshIsSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release // hold every refresh until all callers have piled up
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"access": "AT2"}); err != nil {
			t.Errorf("Failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	st := newTestStore(t)
	m := NewManager(server.URL, 5*time.Second, st)
	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatal(err)
	}

	const concurrent = 8
	var wg sync.WaitGroup
	results := make([]string, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}

	// Give every goroutine time to reach the shared exchange, then let the
	// single in-flight request complete.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 refresh exchange, got %d", got)
	}
	for i := 0; i < concurrent; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d failed: %v", i, errs[i])
		}
		if results[i] != "AT2" {
			t.Errorf("Caller %d expected AT2, got %q", i, results[i])
		}
	}
}

func TestRefreshCapturesRotatedCookie(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Value: "RT2"})
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"access": "AT2"}); err != nil {
			t.Errorf("Failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	st := newTestStore(t)
	m := NewManager(server.URL, 5*time.Second, st)
	if err := m.Store("AT1", "RT1"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := m.Credential().RefreshToken; got != "RT2" {
		t.Errorf("Expected rotated refresh token RT2, got %q", got)
	}
}
