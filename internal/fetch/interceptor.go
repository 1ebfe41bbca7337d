package fetch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/rs/zerolog/log"
)

// Extender lets the interceptor schedule work that outlives the response,
// such as the store write of a freshly fetched resource.
type Extender interface {
	WaitUntil(fn func(context.Context) error) error
}

// Interceptor applies cache-first with network fallback to every request,
// writing accepted responses back to the current namespace.
type Interceptor struct {
	store     cache.Store
	namespace cache.Namespace
	network   Network
}

func NewInterceptor(store cache.Store, namespace cache.Namespace, network Network) *Interceptor {
	return &Interceptor{
		store:     store,
		namespace: namespace,
		network:   network,
	}
}

// Intercept answers the request from the store when an entry exists for its
// exact identity. Otherwise the network result is returned, and a cacheable
// GET response is stored as a copy. With a nil ext the store write completes
// before Intercept returns.
func (i *Interceptor) Intercept(ctx context.Context, req *http.Request, ext Extender) (cache.Response, error) {
	key := cache.KeyFor(req)
	l := log.Ctx(ctx).With().Str("key", string(key)).Logger()

	handle, err := i.store.Open(ctx, i.namespace)
	if err != nil {
		l.Warn().Err(err).Msg("cache unavailable, falling back to network")
		handle = nil
	} else {
		stored, found, err := handle.Match(ctx, key)
		switch {
		case err != nil:
			l.Warn().Err(err).Msg("cache lookup failed, treating as miss")
		case found:
			l.Debug().Msg("cache hit")
			return stored, nil
		}
	}

	resp, err := i.network.Fetch(ctx, req)
	if err != nil {
		return cache.Response{}, err
	}

	if !resp.Cacheable() {
		l.Debug().
			Int("status", resp.Status).
			Str("type", string(resp.Type)).
			Msg("response not cacheable")
		return resp, nil
	}

	if key.Method() != http.MethodGet {
		l.Debug().Msg("side-effecting request, response not stored")
		return resp, nil
	}

	if handle == nil {
		return resp, nil
	}

	// the stored copy must not share buffers with the response handed back,
	// and drops headers that belong to this visitor
	toStore := resp.Shareable()
	put := func(ctx context.Context) error {
		if err := handle.Put(ctx, key, toStore); err != nil {
			l.Warn().Err(err).Msg("cache write failed")
			return fmt.Errorf("storing %s: %w", key, err)
		}
		l.Debug().Msg("response stored")
		return nil
	}

	if ext != nil {
		if err := ext.WaitUntil(put); err == nil {
			return resp, nil
		}
		l.Debug().Msg("event already finished, storing synchronously")
	}
	_ = put(ctx)

	return resp, nil
}
