package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/rs/zerolog/log"
)

// LifecycleWorker is the part of the worker driven by the relay endpoints.
type LifecycleWorker interface {
	Namespace() cache.Namespace
	Install(ctx context.Context) error
	Activate(ctx context.Context) (generation.ActivateResult, error)
	Push(ctx context.Context, payload notify.Payload) (notify.Notification, error)
	NotificationClick(ctx context.Context, n notify.Notification) error
}

// NotificationHistory looks up notifications that are still shown.
type NotificationHistory interface {
	Lookup(id string) (notify.Notification, error)
	Recent() []notify.Notification
}

// LifecycleResponse reports the outcome of a replayed lifecycle signal.
type LifecycleResponse struct {
	Event     string   `json:"event"`
	Namespace string   `json:"namespace"`
	Deleted   []string `json:"deleted,omitempty"`
	Residue   []string `json:"residue,omitempty"`
}

func handleLifecycle(wk LifecycleWorker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		event := r.PathValue("event")
		resp := LifecycleResponse{Event: event, Namespace: wk.Namespace().String()}

		switch event {
		case "install":
			if err := wk.Install(ctx); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("install replay failed")
				writeJSONError(w, lifecycleStatus(err), err.Error())
				return
			}

		case "activate":
			result, err := wk.Activate(ctx)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("activate replay failed")
				writeJSONError(w, lifecycleStatus(err), err.Error())
				return
			}
			for _, ns := range result.Deleted {
				resp.Deleted = append(resp.Deleted, ns.String())
			}
			for _, stale := range result.Residue {
				resp.Residue = append(resp.Residue, stale.Namespace.String())
			}

		default:
			writeJSONError(w, http.StatusNotFound, "unknown lifecycle event: "+event)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

// lifecycleStatus maps install and activate failures to a response status.
func lifecycleStatus(err error) int {
	var seedErr *generation.ManifestSeedError
	switch {
	case errors.As(err, &seedErr):
		return http.StatusBadGateway
	case errors.Is(err, generation.ErrNotInstalled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handlePush(wk LifecycleWorker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				requestError(w, http.StatusRequestEntityTooLarge)
				return
			}
			requestError(w, http.StatusBadRequest)
			return
		}

		// an empty request is a push that carried no data
		var payload notify.Payload
		if len(body) > 0 {
			payload = body
		}

		n, err := wk.Push(ctx, payload)
		if err != nil {
			if errors.Is(err, notify.ErrUnreadablePayload) {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Ctx(ctx).Error().Err(err).Msg("push relay failed")
			writeJSONError(w, http.StatusInternalServerError, "notification could not be shown")
			return
		}

		writeJSON(w, http.StatusCreated, n)
	})
}

func handleNotificationClick(wk LifecycleWorker, history NotificationHistory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()

		n, err := history.Lookup(r.PathValue("id"))
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}

		if err := wk.NotificationClick(ctx, n); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("notification_id", n.ID).Msg("notification click failed")
			writeJSONError(w, http.StatusInternalServerError, "notification click failed")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleRecentNotifications(history NotificationHistory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		recent := history.Recent()
		if recent == nil {
			recent = []notify.Notification{}
		}
		writeJSON(w, http.StatusOK, recent)
	})
}

// newOriginProxy forwards every request that is not a relay endpoint to the
// origin, through transport. A transport failure is reported as 502.
func newOriginProxy(origin *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
			// responses are shared between visitors, so encoding is left to
			// the transport
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Ctx(r.Context()).Warn().Err(err).Str("url", r.URL.String()).Msg("origin fetch failed")
			writeJSONError(w, http.StatusBadGateway, "origin unavailable")
		},
	}
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
