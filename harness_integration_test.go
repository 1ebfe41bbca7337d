//go:build integration

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/folio-labs/pagecache/internal/config"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/folio-labs/pagecache/internal/server"
	"github.com/folio-labs/pagecache/internal/testhelpers"
	"github.com/folio-labs/pagecache/internal/worker"
	"github.com/stretchr/testify/require"
)

// APITestHarness runs the complete service against a mock origin. The worker
// has been started, so the current generation is installed and active.
type APITestHarness struct {
	t      *testing.T
	Config config.Config
	Server *httptest.Server
	Origin *testhelpers.MockOriginServer
	Worker *worker.Worker
	Hub    *notify.Hub

	hooks     *server.ShutdownHooks
	closeOnce sync.Once
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*config.Config)

// WithValkeyCache configures the test harness to use a Valkey cache container.
func WithValkeyCache() APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Cache.Type = "valkey"
	}
}

// WithSQLiteCache configures the harness to use a SQLite store. An empty path
// uses a fresh file in a temporary directory.
func WithSQLiteCache(path string) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Cache.Type = "sqlite"
		cfg.Cache.SQLitePath = path
	}
}

// WithGeneration sets the generation the harness installs on start.
func WithGeneration(version int) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Generation.Version = version
	}
}

// withOrigin points the harness at an existing mock origin instead of a new
// one.
func withOrigin(origin *testhelpers.MockOriginServer) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Server.OriginURL = origin.Server.URL
	}
}

// NewAPITestHarness creates the service and its mock origin. Cleanup is
// handled automatically via t.Cleanup().
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	harness := &APITestHarness{
		t:     t,
		hooks: &server.ShutdownHooks{},
	}
	t.Cleanup(harness.Close)

	cfg := config.Config{
		Cache: config.CacheConfig{
			Type: "memory",
		},
		Generation: config.GenerationConfig{
			Prefix:  "portfolio-cache",
			Version: 1,
		},
		Notify: config.NotifyConfig{
			ProductName: notify.DefaultProductName,
			HistorySize: 16,
		},
		Observe: config.ObserveConfig{
			Enabled: false,
		},
	}

	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.Server.OriginURL == "" {
		harness.Origin = testhelpers.SetupMockOriginServer(t)
		cfg.Server.OriginURL = harness.Origin.Server.URL
	}

	switch cfg.Cache.Type {
	case "valkey":
		cfg.Cache = testhelpers.StartValkey(t)
	case "sqlite":
		if cfg.Cache.SQLitePath == "" {
			cfg.Cache.SQLitePath = filepath.Join(t.TempDir(), "pagecache.db")
		}
	}

	rt, err := configureService(t.Context(), cfg, http.DefaultClient, harness.hooks)
	require.NoError(t, err)

	_, err = rt.worker.Start(t.Context())
	require.NoError(t, err)

	harness.Config = cfg
	harness.Worker = rt.worker
	harness.Hub = rt.hub
	harness.Server = httptest.NewServer(configureServerRoutes(rt))

	return harness
}

// Close stops the server and runs the shutdown hooks. It is safe to call
// more than once.
func (h *APITestHarness) Close() {
	h.closeOnce.Do(func() {
		if h.Hub != nil {
			h.Hub.CloseAll()
		}
		if h.Server != nil {
			h.Server.Close()
		}
		if err := h.hooks.Execute(context.Background()); err != nil {
			h.t.Logf("shutdown: %v", err)
		}
	})
}

// Drain waits for background store writes.
func (h *APITestHarness) Drain() {
	h.t.Helper()
	require.NoError(h.t, h.Worker.Drain(h.t.Context()))
}

func (h *APITestHarness) Client() *TestClient {
	return &TestClient{
		baseURL: h.Server.URL,
		client:  http.DefaultClient,
	}
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from JSON error response if available
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// TestClient provides typed access to the relay endpoints for testing.
type TestClient struct {
	baseURL string
	client  *http.Client
}

// Response wraps raw HTTP response for low-level assertions.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Request performs a low-level HTTP request and returns the raw response.
func (c *TestClient) Request(method, path string, body io.Reader) (*Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       bodyBytes,
		Headers:    resp.Header,
	}, nil
}

// Get fetches a site path through the interceptor.
func (c *TestClient) Get(path string) (*Response, error) {
	return c.Request(http.MethodGet, path, nil)
}

// Push sends a push payload and returns the notification shown.
func (c *TestClient) Push(text string) (notify.Notification, error) {
	var n notify.Notification
	err := c.doJSON(http.MethodPost, "/_pagecache/push", strings.NewReader(text), http.StatusCreated, &n)
	return n, err
}

// Click reports a click on a shown notification.
func (c *TestClient) Click(id string) error {
	return c.doJSON(http.MethodPost, "/_pagecache/notifications/"+id+"/click", nil, http.StatusNoContent, nil)
}

// Recent lists the notifications still shown.
func (c *TestClient) Recent() ([]notify.Notification, error) {
	var recent []notify.Notification
	err := c.doJSON(http.MethodGet, "/_pagecache/notifications", nil, http.StatusOK, &recent)
	return recent, err
}

// Lifecycle replays a lifecycle signal.
func (c *TestClient) Lifecycle(event string) (LifecycleResponse, error) {
	var result LifecycleResponse
	err := c.doJSON(http.MethodPost, "/_pagecache/lifecycle/"+event, nil, http.StatusOK, &result)
	return result, err
}

func (c *TestClient) doJSON(method, path string, body io.Reader, expected int, target any) error {
	resp, err := c.Request(method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != expected {
		return c.parseError(resp)
	}
	if target == nil {
		return nil
	}
	return json.Unmarshal(resp.Body, target)
}

func (c *TestClient) parseError(resp *Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: resp.Body}

	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil {
		apiErr.Message = errResp.Error
	}

	return apiErr
}

// StreamEvent is one server-sent event read from a client stream.
type StreamEvent struct {
	Event string
	Data  string
}

// OpenStream attaches a window client at url and returns a function reading
// the next event. The stream is closed when ctx ends.
func (c *TestClient) OpenStream(ctx context.Context, url string) (func() (StreamEvent, error), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/_pagecache/clients/stream?url="+url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	context.AfterFunc(ctx, func() { resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	return func() (StreamEvent, error) {
		var ev StreamEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return ev, err
			}
			line = strings.TrimRight(line, "\n")

			switch {
			case line == "":
				if ev.Event != "" {
					return ev, nil
				}
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}, nil
}
