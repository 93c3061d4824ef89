package marketplace

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockAPIServer provides an HTTP mock of the marketplace API for unit tests.
// Routes are keyed "METHOD /path"; a route can be a fixed response or a handler.
type MockAPIServer struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string]MockResponse
	handlers  map[string]http.HandlerFunc
	requests  []MockRequest
}

// MockResponse represents a configured mock response
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest tracks incoming requests for verification
type MockRequest struct {
	Method  string
	Path    string
	Query   string
	Body    string
	Headers map[string]string
}

// NewMockAPIServer creates a mock server with a login and refresh endpoint
func NewMockAPIServer() *MockAPIServer {
	mock := &MockAPIServer{
		responses: make(map[string]MockResponse),
		handlers:  make(map[string]http.HandlerFunc),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	mock.setDefaultResponses()
	return mock
}

func (m *MockAPIServer) Close() {
	m.server.Close()
}

// URL returns the mock server base URL
func (m *MockAPIServer) URL() string {
	return m.server.URL
}

// SetResponse configures a fixed response for method+path
func (m *MockAPIServer) SetResponse(method, path string, statusCode int, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// SetHandler installs a dynamic handler for method+path
func (m *MockAPIServer) SetHandler(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = h
}

// SetRefreshResponse configures POST /auth/token/refresh/
func (m *MockAPIServer) SetRefreshResponse(access string, statusCode int) {
	m.SetResponse(http.MethodPost, "/auth/token/refresh/", statusCode, map[string]string{"access": access})
}

// Requests returns captured requests
func (m *MockAPIServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountRequests counts captured requests for method+path
func (m *MockAPIServer) CountRequests(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// ClearRequests clears the request history
func (m *MockAPIServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// BearerOnly returns a handler answering 200 with body for the given access
// token and 401 for anything else.
func BearerOnly(access string, body interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+access {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(body)
	}
}

func (m *MockAPIServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body := ""
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
	}

	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	key := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Body:    body,
		Headers: headers,
	})
	handler, hasHandler := m.handlers[key]
	response, hasResponse := m.responses[key]
	m.mu.Unlock()

	if hasHandler {
		r.Body = io.NopCloser(strings.NewReader(body))
		handler(w, r)
		return
	}

	if !hasResponse {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Not found."})
		return
	}

	for k, v := range response.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(response.StatusCode)
	if response.Body != nil {
		json.NewEncoder(w).Encode(response.Body)
	}
}

func (m *MockAPIServer) setDefaultResponses() {
	m.SetResponse(http.MethodPost, "/auth/token/", http.StatusOK, loginResponse{
		Access:  "mock_access_token",
		Refresh: "mock_refresh_token",
	})
	m.SetRefreshResponse("mock_refreshed_access_token", http.StatusOK)
}
