package olympus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockPlatformServer simulates the platform API for tests: bearer-token
// checking on every route, a refresh endpoint with configurable behavior, and
// canned per-route responses.
type MockPlatformServer struct {
	Server *httptest.Server

	mu            sync.Mutex
	validAccess   string
	validRefresh  string
	rotateRefresh bool
	refreshStatus int
	refreshDelay  time.Duration
	responses     map[string]mockResponse
	requests      []MockRequest

	refreshCalls atomic.Int64
	issuedTokens atomic.Int64
}

type mockResponse struct {
	status int
	body   string
}

// MockRequest records one request the server saw.
type MockRequest struct {
	Method string
	Path   string
	Bearer string
}

// NewMockPlatformServer starts a server that accepts the given token pair.
func NewMockPlatformServer(accessToken, refreshToken string) *MockPlatformServer {
	m := &MockPlatformServer{
		validAccess:   accessToken,
		validRefresh:  refreshToken,
		refreshStatus: http.StatusOK,
		responses:     make(map[string]mockResponse),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *MockPlatformServer) URL() string { return m.Server.URL }

func (m *MockPlatformServer) Close() { m.Server.Close() }

// SetResponse registers the canned response for method+path.
func (m *MockPlatformServer) SetResponse(method, path string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = mockResponse{status: status, body: body}
}

// SetRefreshStatus makes the refresh endpoint answer with the given status
// instead of issuing tokens.
func (m *MockPlatformServer) SetRefreshStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshStatus = status
}

// SetRefreshDelay delays every refresh response, so tests can pile up
// concurrent callers on one in-flight refresh.
func (m *MockPlatformServer) SetRefreshDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshDelay = d
}

// SetRotateRefresh makes every successful refresh also rotate the refresh token.
func (m *MockPlatformServer) SetRotateRefresh(rotate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateRefresh = rotate
}

// ExpireAccessToken invalidates the current access token so the next
// authenticated request gets a 401.
func (m *MockPlatformServer) ExpireAccessToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validAccess = ""
}

// RefreshCalls reports how many times the refresh endpoint was hit.
func (m *MockPlatformServer) RefreshCalls() int64 { return m.refreshCalls.Load() }

// Requests returns a copy of the request log.
func (m *MockPlatformServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

func (m *MockPlatformServer) handle(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{Method: r.Method, Path: r.URL.Path, Bearer: bearer})
	m.mu.Unlock()

	if r.URL.Path == "/api/v1/auth/refresh" {
		m.handleRefresh(w, r)
		return
	}

	m.mu.Lock()
	valid := m.validAccess
	resp, ok := m.responses[r.Method+" "+r.URL.Path]
	m.mu.Unlock()

	// Auth routes are unauthenticated, everything else requires a live token.
	if !strings.HasPrefix(r.URL.Path, "/api/v1/auth/") && (bearer == "" || bearer != valid) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	w.Write([]byte(resp.body))
}

func (m *MockPlatformServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.refreshCalls.Add(1)

	m.mu.Lock()
	status := m.refreshStatus
	delay := m.refreshDelay
	rotate := m.rotateRefresh
	validRefresh := m.validRefresh
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"error": "refresh rejected"})
		return
	}

	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.RefreshToken != validRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}

	n := m.issuedTokens.Add(1)
	newAccess := fmt.Sprintf("access-renewed-%08d", n)

	m.mu.Lock()
	m.validAccess = newAccess
	body := map[string]string{"access_token": newAccess}
	if rotate {
		m.validRefresh = fmt.Sprintf("refresh-rotated-%08d", n)
		body["refresh_token"] = m.validRefresh
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

// AccessToken returns the token the server currently accepts.
func (m *MockPlatformServer) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validAccess
}

// RefreshToken returns the refresh token the server currently accepts.
func (m *MockPlatformServer) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validRefresh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

