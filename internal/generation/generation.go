package generation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/folio-labs/pagecache/internal/cache"
)

// ErrNotInstalled is returned by Activate when the current namespace does not
// hold every manifest entry.
var ErrNotInstalled = errors.New("current generation is not installed")

// Manifest lists the origin-relative paths that must be cached before a
// generation can take over.
type Manifest []string

// DefaultManifest returns the application shell of the portfolio site.
func DefaultManifest() Manifest {
	return Manifest{
		"/",
		"/manifest.json",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
	}
}

// Name builds the namespace of a generation, e.g. "portfolio-cache-v1".
func Name(prefix string, generation int) cache.Namespace {
	return cache.Namespace(fmt.Sprintf("%s-v%d", prefix, generation))
}

// Parse splits a namespace built by Name. Namespaces from other schemes
// report ok=false.
func Parse(ns cache.Namespace) (prefix string, generation int, ok bool) {
	idx := strings.LastIndex(string(ns), "-v")
	if idx <= 0 {
		return "", 0, false
	}

	generation, err := strconv.Atoi(string(ns)[idx+2:])
	if err != nil || generation < 1 {
		return "", 0, false
	}

	return string(ns)[:idx], generation, true
}

// ManifestSeedError reports the manifest entry that stopped an install,
// either because it could not be fetched or because the origin answered with
// a non-success status.
type ManifestSeedError struct {
	Path   string
	Status int
	Err    error
}

func (e *ManifestSeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("seeding manifest entry %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("seeding manifest entry %s: unexpected status %d", e.Path, e.Status)
}

func (e *ManifestSeedError) Unwrap() error {
	return e.Err
}

// StaleNamespaceError reports a stale namespace that could not be deleted
// during activation. It is not fatal: the namespace is retried on the next
// activation.
type StaleNamespaceError struct {
	Namespace cache.Namespace
	Err       error
}

func (e StaleNamespaceError) Error() string {
	return fmt.Sprintf("deleting stale namespace %s: %v", e.Namespace, e.Err)
}

func (e StaleNamespaceError) Unwrap() error {
	return e.Err
}

// ActivateResult describes what an activation removed.
type ActivateResult struct {
	Deleted []cache.Namespace
	Residue []StaleNamespaceError
}
