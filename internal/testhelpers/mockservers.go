package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// OriginResource is one resource served by the mock origin.
type OriginResource struct {
	Status      int
	ContentType string
	Body        string
	Header      http.Header
}

// MockOriginServer provides a configurable mock site origin for testing.
// Paths that are not configured return 404.
type MockOriginServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	resources map[string]OriginResource
	requests  map[string]int
}

// SetupMockOriginServer creates a mock origin serving the portfolio site's
// default manifest resources. The server is closed via t.Cleanup().
func SetupMockOriginServer(t *testing.T) *MockOriginServer {
	t.Helper()

	mock := &MockOriginServer{
		resources: map[string]OriginResource{
			"/":                       {Status: http.StatusOK, ContentType: "text/html", Body: "<html>home</html>"},
			"/manifest.json":          {Status: http.StatusOK, ContentType: "application/manifest+json", Body: `{"name":"portfolio"}`},
			"/icons/icon-192x192.png": {Status: http.StatusOK, ContentType: "image/png", Body: "png-192"},
			"/icons/icon-512x512.png": {Status: http.StatusOK, ContentType: "image/png", Body: "png-512"},
		},
		requests: make(map[string]int),
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests[r.Method+" "+r.URL.Path]++
		resource, ok := mock.resources[r.URL.Path]
		mock.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		for name, values := range resource.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		if resource.ContentType != "" {
			w.Header().Set("Content-Type", resource.ContentType)
		}
		w.WriteHeader(resource.Status)
		_, _ = w.Write([]byte(resource.Body))
	}))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL returns the parsed base URL of the origin.
func (m *MockOriginServer) URL(t *testing.T) *url.URL {
	t.Helper()

	u, err := url.Parse(m.Server.URL)
	require.NoError(t, err)
	return u
}

// Set configures the resource served at path.
func (m *MockOriginServer) Set(path string, resource OriginResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resources[path] = resource
}

// Remove stops serving path.
func (m *MockOriginServer) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.resources, path)
}

// Requests returns how many requests the origin received for method and path.
func (m *MockOriginServer) Requests(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[method+" "+path]
}

// TotalRequests returns how many requests the origin received.
func (m *MockOriginServer) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}
