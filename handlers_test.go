package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	installErr     error
	activateResult generation.ActivateResult
	activateErr    error
	pushErr        error
	clickErr       error

	installs int
	pushed   []notify.Payload
	clicked  []notify.Notification
}

func (f *fakeWorker) Namespace() cache.Namespace {
	return "portfolio-cache-v2"
}

func (f *fakeWorker) Install(context.Context) error {
	f.installs++
	return f.installErr
}

func (f *fakeWorker) Activate(context.Context) (generation.ActivateResult, error) {
	return f.activateResult, f.activateErr
}

func (f *fakeWorker) Push(_ context.Context, payload notify.Payload) (notify.Notification, error) {
	f.pushed = append(f.pushed, payload)
	if f.pushErr != nil {
		return notify.Notification{}, f.pushErr
	}

	text, err := payload.Text()
	if err != nil {
		return notify.Notification{}, err
	}
	return notify.Notification{ID: "n-1", Title: notify.DefaultProductName, Body: text}, nil
}

func (f *fakeWorker) NotificationClick(_ context.Context, n notify.Notification) error {
	f.clicked = append(f.clicked, n)
	return f.clickErr
}

type fakeHistory map[string]notify.Notification

func (f fakeHistory) Lookup(id string) (notify.Notification, error) {
	n, ok := f[id]
	if !ok {
		return notify.Notification{}, notify.ErrUnknownNotification
	}
	return n, nil
}

func (f fakeHistory) Recent() []notify.Notification {
	var recent []notify.Notification
	for _, n := range f {
		recent = append(recent, n)
	}
	return recent
}

func lifecycleRequest(event string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/_pagecache/lifecycle/"+event, nil)
	req.SetPathValue("event", event)
	return req
}

func TestHandleLifecycle(t *testing.T) {
	seedErr := &generation.ManifestSeedError{Path: "/manifest.json", Status: http.StatusServiceUnavailable}

	tests := []struct {
		name           string
		event          string
		worker         *fakeWorker
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "install",
			event:          "install",
			worker:         &fakeWorker{},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"event":"install","namespace":"portfolio-cache-v2"}`,
		},
		{
			name:           "install seed failure",
			event:          "install",
			worker:         &fakeWorker{installErr: seedErr},
			expectedStatus: http.StatusBadGateway,
			expectedBody:   `{"error":"seeding manifest entry /manifest.json: unexpected status 503"}`,
		},
		{
			name:  "activate",
			event: "activate",
			worker: &fakeWorker{activateResult: generation.ActivateResult{
				Deleted: []cache.Namespace{"portfolio-cache-v1"},
				Residue: []generation.StaleNamespaceError{{Namespace: "portfolio-cache-v0", Err: errors.New("locked")}},
			}},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"event":"activate","namespace":"portfolio-cache-v2","deleted":["portfolio-cache-v1"],"residue":["portfolio-cache-v0"]}`,
		},
		{
			name:           "activate before install",
			event:          "activate",
			worker:         &fakeWorker{activateErr: generation.ErrNotInstalled},
			expectedStatus: http.StatusConflict,
			expectedBody:   `{"error":"current generation is not installed"}`,
		},
		{
			name:           "activate store failure",
			event:          "activate",
			worker:         &fakeWorker{activateErr: errors.New("listing namespaces: database is locked")},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":"listing namespaces: database is locked"}`,
		},
		{
			name:           "unknown event",
			event:          "sync",
			worker:         &fakeWorker{},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"error":"unknown lifecycle event: sync"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()

			handleLifecycle(tt.worker).ServeHTTP(rr, lifecycleRequest(tt.event))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, rr.Body.String())
		})
	}
}

func TestHandlePush_ShowsNotification(t *testing.T) {
	wk := &fakeWorker{}
	rr := httptest.NewRecorder()

	req := httptest.NewRequest(http.MethodPost, "/_pagecache/push", strings.NewReader("Hello"))
	handlePush(wk).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var n notify.Notification
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &n))
	assert.Equal(t, "Hello", n.Body)
	assert.Equal(t, []notify.Payload{notify.Payload("Hello")}, wk.pushed)
}

func TestHandlePush_EmptyBodyCarriesNoData(t *testing.T) {
	wk := &fakeWorker{}
	rr := httptest.NewRecorder()

	req := httptest.NewRequest(http.MethodPost, "/_pagecache/push", http.NoBody)
	handlePush(wk).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"push payload is not readable as text"}`, rr.Body.String())
	require.Len(t, wk.pushed, 1)
	assert.Nil(t, wk.pushed[0])
}

func TestHandlePush_SurfaceFailure(t *testing.T) {
	wk := &fakeWorker{pushErr: errors.New("showing notification: surface gone")}
	rr := httptest.NewRecorder()

	req := httptest.NewRequest(http.MethodPost, "/_pagecache/push", strings.NewReader("Hello"))
	handlePush(wk).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"notification could not be shown"}`, rr.Body.String())
}

func TestHandlePush_TooLarge(t *testing.T) {
	wk := &fakeWorker{}
	rr := httptest.NewRecorder()

	handler := maxRequestSize(4)(handlePush(wk))
	req := httptest.NewRequest(http.MethodPost, "/_pagecache/push", strings.NewReader("Hello, world"))
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, wk.pushed)
}

func clickRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/_pagecache/notifications/"+id+"/click", nil)
	req.SetPathValue("id", id)
	return req
}

func TestHandleNotificationClick(t *testing.T) {
	shown := notify.Notification{ID: "n-1", Body: "Hello"}
	history := fakeHistory{shown.ID: shown}

	t.Run("known notification", func(t *testing.T) {
		wk := &fakeWorker{}
		rr := httptest.NewRecorder()

		handleNotificationClick(wk, history).ServeHTTP(rr, clickRequest("n-1"))

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, []notify.Notification{shown}, wk.clicked)
	})

	t.Run("unknown notification", func(t *testing.T) {
		wk := &fakeWorker{}
		rr := httptest.NewRecorder()

		handleNotificationClick(wk, history).ServeHTTP(rr, clickRequest("n-2"))

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Empty(t, wk.clicked)
	})

	t.Run("click failure", func(t *testing.T) {
		wk := &fakeWorker{clickErr: errors.New("opening window: no display")}
		rr := httptest.NewRecorder()

		handleNotificationClick(wk, history).ServeHTTP(rr, clickRequest("n-1"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"notification click failed"}`, rr.Body.String())
	})
}

func TestHandleRecentNotifications(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handleRecentNotifications(fakeHistory{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/_pagecache/notifications", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("shown notifications", func(t *testing.T) {
		history := fakeHistory{"n-1": notify.Notification{ID: "n-1", Body: "Hello"}}

		rr := httptest.NewRecorder()
		handleRecentNotifications(history).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/_pagecache/notifications", nil))

		var recent []notify.Notification
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recent))
		require.Len(t, recent, 1)
		assert.Equal(t, "Hello", recent[0].Body)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestOriginProxy(t *testing.T) {
	origin := &url.URL{Scheme: "https", Host: "portfolio.example"}

	t.Run("forwards to origin", func(t *testing.T) {
		var seen *http.Request
		proxy := newOriginProxy(origin, roundTripFunc(func(req *http.Request) (*http.Response, error) {
			seen = req
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"text/html"}},
				Body:       io.NopCloser(strings.NewReader("<html>blog</html>")),
				Request:    req,
			}, nil
		}))

		rr := httptest.NewRecorder()
		proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://pagecache.local/blog?page=2", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "<html>blog</html>", rr.Body.String())
		require.NotNil(t, seen)
		assert.Equal(t, "https://portfolio.example/blog?page=2", seen.URL.String())
	})

	t.Run("does not forward the visitor's accepted encodings", func(t *testing.T) {
		var seen *http.Request
		proxy := newOriginProxy(origin, roundTripFunc(func(req *http.Request) (*http.Response, error) {
			seen = req
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("home")),
				Request:    req,
			}, nil
		}))

		req := httptest.NewRequest(http.MethodGet, "http://pagecache.local/", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		req.Header.Set("Accept-Language", "en-AU")

		rr := httptest.NewRecorder()
		proxy.ServeHTTP(rr, req)

		require.NotNil(t, seen)
		assert.Empty(t, seen.Header.Get("Accept-Encoding"))
		assert.Equal(t, "en-AU", seen.Header.Get("Accept-Language"))
	})

	t.Run("network failure", func(t *testing.T) {
		proxy := newOriginProxy(origin, roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		}))

		rr := httptest.NewRecorder()
		proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/blog", nil))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.JSONEq(t, `{"error":"origin unavailable"}`, rr.Body.String())
	})
}

func TestHandleHealthCheck_Success(t *testing.T) {
	rr := httptest.NewRecorder()

	handleHealthCheck().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "OK", rr.Body.String())
}

func TestMaxRequestSizeMiddleware(t *testing.T) {
	var readError error
	var readBytes int64

	handler := maxRequestSize(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		readBytes, readError = io.CopyN(io.Discard, r.Body, 5*1024)

		status := http.StatusOK
		if readError != nil {
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_pagecache/push", bytes.NewBufferString("0123456789n123456789"))
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.ErrorContains(t, readError, "http: request body too large")
	assert.Equal(t, int64(10), readBytes)
}
