package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store implementation must
// share. newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("open is idempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		_, err = store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Namespace{"portfolio-cache-v1"}, names)
	})

	t.Run("match on empty namespace misses", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)

		resp, found, err := handle.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, Response{}, resp)
	})

	t.Run("put then match round trips", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)

		stored := sampleResponse("<html>home</html>")
		require.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", stored))

		resp, found, err := handle.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, stored, resp)
	})

	t.Run("match requires exact key", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		require.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", sampleResponse("home")))

		_, found, err := handle.Match(ctx, "HEAD https://portfolio.example/")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = handle.Match(ctx, "GET https://portfolio.example/?q=1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put overwrites", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)

		require.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", sampleResponse("first")))
		require.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", sampleResponse("second")))

		resp, found, err := handle.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("second"), resp.Body)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		v1, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		v2, err := store.Open(ctx, "portfolio-cache-v2")
		require.NoError(t, err)

		require.NoError(t, v1.Put(ctx, "GET https://portfolio.example/", sampleResponse("old")))

		_, found, err := v2.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete removes namespace and entries", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		require.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", sampleResponse("home")))
		_, err = store.Open(ctx, "portfolio-cache-v2")
		require.NoError(t, err)

		existed, err := store.Delete(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		assert.True(t, existed)

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Namespace{"portfolio-cache-v2"}, names)

		reopened, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)
		_, found, err := reopened.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		assert.False(t, found, "entries must not survive namespace deletion")
	})

	t.Run("delete of absent namespace", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		existed, err := store.Delete(ctx, "portfolio-cache-v9")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("namespaces sorted", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for _, ns := range []Namespace{"c", "a", "b"} {
			_, err := store.Open(ctx, ns)
			require.NoError(t, err)
		}

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Namespace{"a", "b", "c"}, names)
	})

	t.Run("concurrent puts to one key", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		handle, err := store.Open(ctx, "portfolio-cache-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, handle.Put(ctx, "GET https://portfolio.example/", sampleResponse(fmt.Sprintf("body-%d", i))))
			}()
		}
		wg.Wait()

		resp, found, err := handle.Match(ctx, "GET https://portfolio.example/")
		require.NoError(t, err)
		require.True(t, found)
		assert.Regexp(t, `^body-\d+$`, string(resp.Body))
		assert.Equal(t, http.StatusOK, resp.Status)
	})
}

func sampleResponse(body string) Response {
	return Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte(body),
		Type:   ResponseTypeBasic,
		URL:    "https://portfolio.example/",
	}
}
