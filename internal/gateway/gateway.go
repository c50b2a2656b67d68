// Package gateway is the single choke point for every call to the ChemDash
// backend. It resolves endpoint URLs, attaches the session's credentials,
// performs the silent refresh-and-retry protocol on authorization failures,
// and routes analytics and history payloads through the normalizer before
// they reach callers.
//
// The gateway never makes UI decisions: it returns typed outcomes and leaves
// presentation and navigation to whoever called it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"chemdash/internal/logger"
	"chemdash/internal/models"
	"chemdash/internal/normalize"
	"chemdash/internal/session"
)

// ErrRateLimited is returned when the backend throttles a login attempt
// (429). The caller should ask the user to wait, not retry automatically.
var ErrRateLimited = errors.New("too many attempts")

// StatusError is a non-2xx backend response, carrying the status code and
// the backend's own detail/message text when one was provided.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// attemptState is the explicit retry budget for one logical call: a fresh
// call may trigger one silent refresh and one retry, a retried call may not.
type attemptState int

const (
	attemptFresh attemptState = iota
	attemptRetried
)

// requestOptions shapes one backend exchange.
type requestOptions struct {
	body        []byte
	contentType string
	header      http.Header

	// anonymous skips the Authorization header, for the auth endpoints
	// that must not carry a (possibly stale) bearer token.
	anonymous bool

	// withRefreshCookie attaches the held refresh token on its cookie
	// side-channel, for the auth endpoints the backend contract requires
	// it on.
	withRefreshCookie bool
}

// Gateway executes authenticated calls against the ChemDash backend.
// It is safe for concurrent use.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	session    *session.Manager
	userAgent  string
}

// duplicateSlashes collapses accidental doubled path separators while
// leaving the scheme's "://" intact.
var duplicateSlashes = regexp.MustCompile(`([^:]/)/+`)

// New creates a Gateway talking to baseURL with the given session manager.
func New(baseURL string, timeout time.Duration, userAgent string, sess *session.Manager) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		session:   sess,
		userAgent: userAgent,
	}
}

// Session exposes the gateway's session manager to callers that need to
// inspect authentication state.
func (g *Gateway) Session() *session.Manager {
	return g.session
}

// resolveURL turns an endpoint into an absolute URL: absolute endpoints
// pass through, relative ones are joined to the base URL, and duplicated
// path separators are collapsed either way.
func (g *Gateway) resolveURL(endpoint string) string {
	url := endpoint
	if !strings.HasPrefix(endpoint, "http") {
		url = g.baseURL + endpoint
	}
	return duplicateSlashes.ReplaceAllString(url, "$1")
}

// do performs one backend exchange, including the refresh-and-retry
// protocol: a 401 on a fresh attempt with a refresh token held triggers one
// silent refresh and at most one retried exchange. A 401/403 that survives
// the protocol tears the session down; the response itself is returned to
// the caller untouched.
func (g *Gateway) do(ctx context.Context, method, endpoint string, opts requestOptions, state attemptState) (*http.Response, error) {
	url := g.resolveURL(endpoint)

	var body io.Reader
	if opts.body != nil {
		body = bytes.NewReader(opts.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, values := range opts.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if opts.contentType != "" {
		req.Header.Set("Content-Type", opts.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	// Attach the session's credential unless the caller supplied its own
	// header or asked for an anonymous exchange. Re-read on every attempt:
	// a refresh may have rotated the token mid-flight.
	if !opts.anonymous && req.Header.Get("Authorization") == "" {
		if auth := g.session.AuthorizationValue(); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}
	if opts.withRefreshCookie {
		if token := g.session.Credential().RefreshToken; token != "" {
			req.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: token})
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed [%s]: %w", url, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && state == attemptFresh && g.session.HasRefreshToken() {
		logger.Debug("Access token rejected, attempting silent refresh")
		_, refreshErr := g.session.Refresh(ctx)
		if refreshErr == nil {
			resp.Body.Close()
			return g.do(ctx, method, endpoint, opts, attemptRetried)
		}
		// No second network attempt; fall through with the original response.
		logger.Warn("Silent refresh failed: %v", refreshErr)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if clearErr := g.session.Clear(); clearErr != nil {
			logger.Warn("Failed to clear session after %d: %v", resp.StatusCode, clearErr)
		}
	}

	return resp, nil
}

// Execute performs one exchange against an arbitrary endpoint with the full
// credential and retry protocol applied, for callers outside the canned
// wrappers below.
func (g *Gateway) Execute(ctx context.Context, method, endpoint string, body []byte, contentType string) (*http.Response, error) {
	return g.do(ctx, method, endpoint, requestOptions{body: body, contentType: contentType}, attemptFresh)
}

// Health reports backend liveness. Any error counts as unhealthy.
func (g *Gateway) Health(ctx context.Context) bool {
	resp, err := g.do(ctx, http.MethodGet, "/api/health/", requestOptions{}, attemptFresh)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Signup registers a new account.
func (g *Gateway) Signup(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode signup request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/api/auth/signup/", requestOptions{
		body:        body,
		contentType: "application/json",
		anonymous:   true,
	}, attemptFresh)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		Status:  resp.StatusCode,
		Message: backendMessage(resp.Body, "signup failed, the user might already exist"),
	}
}

// Login authenticates and stores the returned token pair. A 429 surfaces as
// ErrRateLimited; other failures carry the backend's message.
func (g *Gateway) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/api/auth/login/", requestOptions{
		body:              body,
		contentType:       "application/json",
		anonymous:         true,
		withRefreshCookie: true,
	}, attemptFresh)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: please wait a minute and try again", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.Body, "invalid email or password"),
		}
	}

	var payload struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if payload.Access == "" {
		return &StatusError{Status: resp.StatusCode, Message: "login response carried no access token"}
	}

	// The refresh token arrives in the body or on its cookie side-channel,
	// depending on backend version.
	refresh := payload.Refresh
	if refresh == "" {
		refresh = session.CookieValue(resp, session.RefreshCookieName)
	}

	if err := g.session.Store(payload.Access, refresh); err != nil {
		return err
	}
	logger.Info("Logged in as %s", email)
	return nil
}

// ForgotPassword requests a password reset email and returns the backend's
// user-facing message.
func (g *Gateway) ForgotPassword(ctx context.Context, email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	body, err := json.Marshal(map[string]string{"email": normalized})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/api/auth/forgot-password/", requestOptions{
		body:        body,
		contentType: "application/json",
		anonymous:   true,
	}, attemptFresh)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	message := backendMessage(resp.Body, "")
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if message == "" {
			message = "If an account with that email exists, a password reset link has been sent."
		}
		return message, nil
	}
	if message == "" {
		message = "failed to send reset email"
	}
	return "", &StatusError{Status: resp.StatusCode, Message: message}
}

// ResetPassword completes a password reset using the uid/token pair from
// the emailed deep link.
func (g *Gateway) ResetPassword(ctx context.Context, uid, token, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := fmt.Sprintf("/api/auth/reset-password/%s/%s/", uid, token)
	resp, err := g.do(ctx, http.MethodPost, endpoint, requestOptions{
		body:        body,
		contentType: "application/json",
		anonymous:   true,
	}, attemptFresh)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	message := backendMessage(resp.Body, "")
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if message == "" {
			message = "Password has been reset successfully."
		}
		return message, nil
	}
	if message == "" {
		message = "invalid or expired reset link"
	}
	return "", &StatusError{Status: resp.StatusCode, Message: message}
}

// Analytics fetches analytics for one dataset (or the most recent one when
// id is empty) and returns the normalized snapshot.
func (g *Gateway) Analytics(ctx context.Context, id string) (*models.AnalyticsSnapshot, error) {
	endpoint := "/api/analytics/"
	if id != "" {
		endpoint = fmt.Sprintf("/api/analytics/%s/", id)
	}

	resp, err := g.do(ctx, http.MethodGet, endpoint, requestOptions{}, attemptFresh)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.Body, "failed to fetch analytics"),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analytics response: %w", err)
	}
	return normalize.Analytics(data)
}

// History fetches the dataset history listing in backend order.
func (g *Gateway) History(ctx context.Context) (*models.HistoryPage, error) {
	resp, err := g.do(ctx, http.MethodGet, "/api/history/", requestOptions{}, attemptFresh)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.Body, "failed to fetch history"),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}
	return normalize.History(data)
}

// Upload sends one CSV dataset as a multipart form and returns the
// normalized analytics the backend computed for it.
func (g *Gateway) Upload(ctx context.Context, fileName string, file io.Reader) (*models.AnalyticsSnapshot, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read upload file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize upload form: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/api/upload/", requestOptions{
		body:        buf.Bytes(),
		contentType: writer.FormDataContentType(),
	}, attemptFresh)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.Body, "upload failed"),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	return normalize.Analytics(data)
}

// Report fetches the PDF report for one dataset (or the most recent one
// when id is empty). It returns the raw bytes and a suggested file name;
// writing them anywhere is the caller's concern.
func (g *Gateway) Report(ctx context.Context, id string) ([]byte, string, error) {
	endpoint := "/api/report/"
	if id != "" {
		endpoint = fmt.Sprintf("/api/report/%s/", id)
	}

	resp, err := g.do(ctx, http.MethodGet, endpoint, requestOptions{}, attemptFresh)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.Body, "failed to generate report"),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read report: %w", err)
	}
	name := fmt.Sprintf("Chemical_Report_%d.pdf", time.Now().UnixMilli())
	return data, name, nil
}

// Logout tells the backend to blacklist the tokens, best-effort, and clears
// the local session unconditionally.
func (g *Gateway) Logout(ctx context.Context) error {
	resp, err := g.do(ctx, http.MethodPost, "/api/auth/logout/", requestOptions{
		withRefreshCookie: true,
	}, attemptFresh)
	if err != nil {
		logger.Warn("Logout call failed, clearing local session anyway: %v", err)
	} else {
		resp.Body.Close()
	}
	return g.session.Clear()
}

// backendMessage extracts the backend's user-facing error text from a JSON
// body, trying the field names different backend versions have used, and
// falls back to the given default.
func backendMessage(body io.Reader, fallback string) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return fallback
	}
	for _, msg := range []string{payload.Detail, payload.Message, payload.Error} {
		if msg != "" {
			return msg
		}
	}
	return fallback
}
