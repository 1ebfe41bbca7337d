package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/fetch"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Manager moves the store from one generation to the next: Install seeds the
// current namespace, Activate removes every other one.
type Manager struct {
	store    cache.Store
	network  fetch.Network
	origin   *url.URL
	current  cache.Namespace
	manifest Manifest
}

func NewManager(store cache.Store, network fetch.Network, origin *url.URL, current cache.Namespace, manifest Manifest) *Manager {
	if len(manifest) == 0 {
		manifest = DefaultManifest()
	}

	return &Manager{
		store:    store,
		network:  network,
		origin:   origin,
		current:  current,
		manifest: slices.Clone(manifest),
	}
}

// Current returns the namespace of the running generation.
func (m *Manager) Current() cache.Namespace {
	return m.current
}

// Manifest returns the entries seeded on install.
func (m *Manager) Manifest() Manifest {
	return slices.Clone(m.manifest)
}

type seeded struct {
	key  cache.Key
	resp cache.Response
}

// Install fetches every manifest entry and, only when all of them succeed,
// writes them to the current namespace. A failed entry leaves the namespace
// untouched and is reported as a *ManifestSeedError. Installing twice is
// harmless.
func (m *Manager) Install(ctx context.Context) error {
	l := log.Ctx(ctx).With().Str("namespace", m.current.String()).Logger()

	entries := make([]seeded, len(m.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range m.manifest {
		g.Go(func() error {
			entry, err := m.fetchEntry(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.Warn().Err(err).Msg("install failed, namespace not seeded")
		return err
	}

	handle, err := m.store.Open(ctx, m.current)
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", m.current, err)
	}

	for _, entry := range entries {
		if err := handle.Put(ctx, entry.key, entry.resp); err != nil {
			return fmt.Errorf("seeding %s: %w", entry.key, err)
		}
	}

	l.Info().Int("entries", len(entries)).Msg("generation installed")

	return nil
}

func (m *Manager) fetchEntry(ctx context.Context, path string) (seeded, error) {
	req, err := m.manifestRequest(ctx, path)
	if err != nil {
		return seeded{}, &ManifestSeedError{Path: path, Err: err}
	}

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		return seeded{}, &ManifestSeedError{Path: path, Err: err}
	}
	if !resp.OK() {
		return seeded{}, &ManifestSeedError{Path: path, Status: resp.Status}
	}

	return seeded{key: cache.KeyFor(req), resp: resp}, nil
}

func (m *Manager) manifestRequest(ctx context.Context, path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest path: %w", err)
	}

	return http.NewRequestWithContext(ctx, http.MethodGet, m.origin.ResolveReference(ref).String(), nil)
}

// Ready reports whether every manifest entry is present in the current
// namespace. It does not create the namespace.
func (m *Manager) Ready(ctx context.Context) (bool, error) {
	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return false, fmt.Errorf("listing namespaces: %w", err)
	}
	if !slices.Contains(names, m.current) {
		return false, nil
	}

	handle, err := m.store.Open(ctx, m.current)
	if err != nil {
		return false, fmt.Errorf("opening namespace %s: %w", m.current, err)
	}

	for _, path := range m.manifest {
		req, err := m.manifestRequest(ctx, path)
		if err != nil {
			return false, err
		}

		_, found, err := handle.Match(ctx, cache.KeyFor(req))
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", path, err)
		}
		if !found {
			return false, nil
		}
	}

	return true, nil
}

// Activate deletes every namespace other than the current one. It refuses to
// run until the current generation is installed. A namespace that fails to
// delete is logged and reported in the result; the others are still deleted.
func (m *Manager) Activate(ctx context.Context) (ActivateResult, error) {
	l := log.Ctx(ctx).With().Str("namespace", m.current.String()).Logger()

	ready, err := m.Ready(ctx)
	if err != nil {
		return ActivateResult{}, err
	}
	if !ready {
		return ActivateResult{}, fmt.Errorf("activating %s: %w", m.current, ErrNotInstalled)
	}

	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return ActivateResult{}, fmt.Errorf("listing namespaces: %w", err)
	}

	var result ActivateResult
	for _, ns := range names {
		if ns == m.current {
			continue
		}

		if _, err := m.store.Delete(ctx, ns); err != nil {
			stale := StaleNamespaceError{Namespace: ns, Err: err}
			l.Warn().Err(err).Str("stale_namespace", ns.String()).Msg("stale namespace not deleted")
			result.Residue = append(result.Residue, stale)
			continue
		}
		result.Deleted = append(result.Deleted, ns)
	}

	l.Info().
		Int("deleted", len(result.Deleted)).
		Int("residue", len(result.Residue)).
		Msg("generation activated")

	return result, nil
}
