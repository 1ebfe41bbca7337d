package fetch

import (
	"net/http"

	"github.com/folio-labs/pagecache/internal/cache"
)

// Transport adapts a snapshot-producing function into an http.RoundTripper,
// so intercepted fetches can sit under an http.Client or a reverse proxy.
type Transport func(*http.Request) (cache.Response, error)

func (t Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}

	resp, err := t(req)
	if err != nil {
		return nil, err
	}
	return resp.HTTPResponse(req), nil
}
