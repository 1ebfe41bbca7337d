package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/fetch"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/folio-labs/pagecache/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	worker *Worker
	store  *cache.Memory
	origin *testhelpers.MockOriginServer
	hub    *notify.Hub
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	origin := testhelpers.SetupMockOriginServer(t)
	store := cache.NewMemory()
	base := origin.URL(t)
	network := fetch.NewHTTPNetwork(origin.Server.Client(), base, 0)
	current := generation.Name("portfolio-cache", 2)

	hub, err := notify.NewHub(8)
	require.NoError(t, err)

	opts = append([]Option{
		WithInstallRetry(time.Second),
		WithInstallBackOff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(5 * time.Millisecond)
		}),
	}, opts...)

	w := New(
		fetch.NewInterceptor(store, current, network),
		generation.NewManager(store, network, base, current, nil),
		notify.NewRelay(hub, hub),
		opts...,
	)

	return &fixture{worker: w, store: store, origin: origin, hub: hub}
}

func TestStart_InstallsAndActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Open(ctx, "portfolio-cache-v1")
	require.NoError(t, err)

	result, err := f.worker.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cache.Namespace{"portfolio-cache-v1"}, result.Deleted)

	names, err := f.store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cache.Namespace{"portfolio-cache-v2"}, names)
}

func TestStart_RetriesUntilOriginRecovers(t *testing.T) {
	f := newFixture(t)

	f.origin.Set("/manifest.json", testhelpers.OriginResource{Status: http.StatusServiceUnavailable})
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.origin.Set("/manifest.json", testhelpers.OriginResource{Status: http.StatusOK, Body: "{}"})
	}()

	_, err := f.worker.Start(context.Background())
	require.NoError(t, err)
	assert.Greater(t, f.origin.Requests(http.MethodGet, "/manifest.json"), 1)
}

func TestStart_InstallFailureLeavesOldGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithInstallRetry(0))
	f.origin.Remove("/icons/icon-192x192.png")

	_, err := f.store.Open(ctx, "portfolio-cache-v1")
	require.NoError(t, err)

	_, err = f.worker.Start(ctx)
	var seedErr *generation.ManifestSeedError
	require.ErrorAs(t, err, &seedErr)
	assert.Equal(t, "/icons/icon-192x192.png", seedErr.Path)

	names, err := f.store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cache.Namespace{"portfolio-cache-v1"}, names, "the previous generation survives a failed install")

	_, err = f.worker.Activate(ctx)
	assert.ErrorIs(t, err, generation.ErrNotInstalled)
}

func TestRoundTrip_CacheFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.worker.Start(ctx)
	require.NoError(t, err)

	client := &http.Client{Transport: f.worker}
	before := f.origin.TotalRequests()

	// manifest entries are served from the store
	resp, err := client.Get(f.origin.Server.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "<html>home</html>", string(body))
	assert.Equal(t, before, f.origin.TotalRequests())

	// other resources are fetched once, then cached
	f.origin.Set("/blog", testhelpers.OriginResource{Status: http.StatusOK, ContentType: "text/html", Body: "blog"})
	for range 2 {
		resp, err := client.Get(f.origin.Server.URL + "/blog")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.NoError(t, f.worker.Drain(ctx))
	}
	assert.Equal(t, 1, f.origin.Requests(http.MethodGet, "/blog"))
}

func TestRoundTrip_NetworkFailure(t *testing.T) {
	f := newFixture(t)
	target := f.origin.Server.URL + "/offline"
	f.origin.Server.Close()

	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)

	_, err = f.worker.RoundTrip(req)
	assert.Error(t, err)
}

func TestPush_ShowsNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.worker.Push(ctx, notify.Payload("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hello", n.Body)
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)

	shown, err := f.hub.Lookup(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, shown)
}

func TestPush_Unreadable(t *testing.T) {
	_, err := newFixture(t).worker.Push(context.Background(), nil)
	assert.ErrorIs(t, err, notify.ErrUnreadablePayload)
}

func TestNotificationClick_OpensRootWithoutWindows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.worker.Push(ctx, notify.Payload("Hello"))
	require.NoError(t, err)

	require.NoError(t, f.worker.NotificationClick(ctx, n))

	windows, err := f.hub.MatchAll(ctx, notify.ClientTypeWindow)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "/", windows[0].URL)

	_, err = f.hub.Lookup(n.ID)
	assert.ErrorIs(t, err, notify.ErrUnknownNotification, "clicked notification is closed")
}

func TestNotificationClick_FocusesOpenWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blog, err := f.hub.Attach("", "/blog")
	require.NoError(t, err)
	defer blog.Detach()

	n, err := f.worker.Push(ctx, notify.Payload("Hello"))
	require.NoError(t, err)
	require.NoError(t, f.worker.NotificationClick(ctx, n))

	windows, err := f.hub.MatchAll(ctx, notify.ClientTypeWindow)
	require.NoError(t, err)
	require.Len(t, windows, 1, "no new window opened")
	assert.Equal(t, blog.Client.ID, windows[0].ID)
	assert.True(t, windows[0].Focused)
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.NoError(t, f.worker.Drain(ctx))

	_, err := f.worker.Push(ctx, notify.Payload("Hello"))
	require.NoError(t, err)
	assert.NoError(t, f.worker.Drain(ctx))
}

func TestTracker_WaitHonoursContext(t *testing.T) {
	var tr tracker
	tr.add()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(tr.wait(ctx), context.DeadlineExceeded))

	tr.done()
	assert.NoError(t, tr.wait(context.Background()))
}
