package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/folio-labs/pagecache/internal/cache"
)

// DefaultMaxBodyBytes bounds the size of a response body read into memory.
const DefaultMaxBodyBytes = 25 << 20

// Network performs a real network fetch, returning the response fully read.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (cache.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (cache.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (cache.Response, error) {
	return f(ctx, req)
}

// HTTPNetwork fetches over an *http.Client. Redirects are returned to the
// caller rather than followed. Requests for the configured origin produce
// basic responses; anything else is cors or opaque depending on whether the
// remote shares it.
type HTTPNetwork struct {
	client       *http.Client
	origin       *url.URL
	maxBodyBytes int64
}

func NewHTTPNetwork(client *http.Client, origin *url.URL, maxBodyBytes int64) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &HTTPNetwork{
		client:       &c,
		origin:       origin,
		maxBodyBytes: maxBodyBytes,
	}
}

// Fetch sends the request and reads the body once into the snapshot. A
// transport failure is returned as is.
func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (cache.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	// the transport negotiates and decodes compression itself, so the
	// snapshot body is always identity-encoded whatever the caller accepts
	out.Header.Del("Accept-Encoding")
	if out.URL.Host == "" && n.origin != nil {
		out.URL = n.origin.ResolveReference(out.URL)
		out.Host = ""
	}

	resp, err := n.client.Do(out)
	if err != nil {
		return cache.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBodyBytes+1))
	if err != nil {
		return cache.Response{}, fmt.Errorf("reading response body from %s: %w", out.URL.Redacted(), err)
	}
	if int64(len(body)) > n.maxBodyBytes {
		return cache.Response{}, fmt.Errorf("response body from %s exceeds %d bytes", out.URL.Redacted(), n.maxBodyBytes)
	}

	return cache.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Type:   n.classify(out.URL, resp.Header),
		URL:    out.URL.String(),
	}, nil
}

func (n *HTTPNetwork) classify(target *url.URL, header http.Header) cache.ResponseType {
	if n.origin != nil && sameOrigin(n.origin, target) {
		return cache.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
