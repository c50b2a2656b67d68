// Package session owns the access/refresh token pair for the ChemDash
// backend. It is the only place the credential is mutated: login and refresh
// results flow in through Store, teardown flows through Clear, and the
// request gateway asks it for the current Authorization header value.
//
// The refresh exchange is single-flight: when several in-flight requests hit
// 401 at the same time, only one refresh call reaches the backend and every
// caller shares its outcome.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chemdash/internal/logger"
	"chemdash/internal/models"
	"chemdash/internal/store"
)

// RefreshCookieName is the cookie carrying the refresh token. The backend
// contract sends the refresh token on a durable cookie, never in a request
// body.
const RefreshCookieName = "refresh_token"

// ErrRefreshFailed is returned when the refresh exchange does not produce a
// new access token. The session is anonymous afterwards.
var ErrRefreshFailed = errors.New("token refresh failed")

// Manager holds and persists the credential pair and performs the silent
// refresh exchange. It is safe for concurrent use.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	store      *store.Store

	credential models.Credential
	mu         sync.RWMutex

	refreshGroup singleflight.Group
}

// NewManager creates a Manager and restores any persisted tokens from the
// state store, so a session survives client restarts.
func NewManager(baseURL string, timeout time.Duration, st *store.Store) *Manager {
	m := &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		store: st,
	}
	m.credential = models.Credential{
		AccessToken:  st.Get(store.KeyAccessToken),
		RefreshToken: st.Get(store.KeyRefreshToken),
	}
	return m
}

// AuthorizationValue returns the header value for the current access token:
// "Bearer <token>", or the empty string when the session is anonymous.
// It never fails and has no side effects.
func (m *Manager) AuthorizationValue() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credential.AccessToken == "" {
		return ""
	}
	return "Bearer " + m.credential.AccessToken
}

// HasRefreshToken reports whether a refresh token is held, which is the
// precondition for attempting a silent refresh.
func (m *Manager) HasRefreshToken() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credential.RefreshToken != ""
}

// Credential returns a copy of the current credential pair.
func (m *Manager) Credential() models.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credential
}

// Store replaces the held tokens and mirrors them to durable storage. An
// empty refresh argument retains the previously held refresh token, since a
// refresh exchange typically rotates only the access token.
func (m *Manager) Store(access, refresh string) error {
	m.mu.Lock()
	m.credential.AccessToken = access
	if refresh != "" {
		m.credential.RefreshToken = refresh
	}
	held := m.credential
	m.mu.Unlock()

	if err := m.store.Set(store.KeyAccessToken, held.AccessToken); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if held.RefreshToken != "" {
		if err := m.store.Set(store.KeyRefreshToken, held.RefreshToken); err != nil {
			return fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}
	return nil
}

// Clear wipes both tokens from memory and durable storage. Idempotent.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.credential = models.Credential{}
	m.mu.Unlock()

	if err := m.store.Delete(store.KeyAccessToken, store.KeyRefreshToken); err != nil {
		return fmt.Errorf("failed to clear persisted tokens: %w", err)
	}
	return nil
}

// Refresh performs one refresh exchange against the backend and returns the
// new access token. Concurrent callers share a single in-flight exchange.
// On any failure the session is cleared and ErrRefreshFailed is returned;
// the failure path never re-enters Refresh.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	result, err, shared := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		return m.refreshOnce(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.Debug("Refresh result shared with a concurrent caller")
	}
	return result.(string), nil
}

func (m *Manager) refreshOnce(ctx context.Context) (interface{}, error) {
	m.mu.RLock()
	refreshToken := m.credential.RefreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		_ = m.Clear()
		return nil, fmt.Errorf("%w: no refresh token held", ErrRefreshFailed)
	}

	url := m.baseURL + "/api/auth/refresh/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: refreshToken})

	resp, err := m.httpClient.Do(req)
	if err != nil {
		logger.Warn("Refresh exchange failed: %v", err)
		_ = m.Clear()
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("Refresh exchange rejected with status %d", resp.StatusCode)
		_ = m.Clear()
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var payload struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		_ = m.Clear()
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrRefreshFailed, err)
	}
	if payload.Access == "" {
		_ = m.Clear()
		return nil, fmt.Errorf("%w: response carried no access token", ErrRefreshFailed)
	}

	// The backend may rotate the refresh cookie alongside the access token.
	rotated := CookieValue(resp, RefreshCookieName)

	if err := m.Store(payload.Access, rotated); err != nil {
		return nil, err
	}
	logger.Debug("Access token refreshed")
	return payload.Access, nil
}

// CookieValue extracts a named cookie value from a response, or "" when the
// response did not set it.
func CookieValue(resp *http.Response, name string) string {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
