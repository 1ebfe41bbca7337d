package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrNamespaceNotFound is returned when writing through a handle whose
// namespace has since been deleted, for backends that can detect it.
var ErrNamespaceNotFound = errors.New("cache namespace not found")

// Namespace identifies a set of cache entries belonging to one deployment
// generation, e.g. "portfolio-cache-v1".
type Namespace string

func (n Namespace) String() string {
	return string(n)
}

// Key is the canonical identity of a request: the upper-cased method and the
// absolute URL without its fragment, separated by a single space.
type Key string

// KeyFor computes the cache key for the request.
func KeyFor(r *http.Request) Key {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	return Key(strings.ToUpper(method) + " " + u.String())
}

// Method returns the request method portion of the key.
func (k Key) Method() string {
	method, _, _ := strings.Cut(string(k), " ")
	return method
}

// URL returns the URL portion of the key.
func (k Key) URL() string {
	_, url, _ := strings.Cut(string(k), " ")
	return url
}

// Store is the persistent response store. Entries never expire on their own:
// they live until the namespace holding them is deleted.
//
// Every operation is atomic from the caller's point of view. A Delete that
// races with a Put or Match on the same namespace may cause an entry to
// disappear mid-request, but never exposes a partially written entry.
type Store interface {
	// Open returns a handle to the namespace, creating it if it does not
	// exist. Opening an existing namespace is a no-op.
	Open(ctx context.Context, ns Namespace) (Handle, error)

	// Namespaces lists every namespace in the store, sorted by name.
	Namespaces(ctx context.Context) ([]Namespace, error)

	// Delete removes the namespace and every entry in it. It reports whether
	// the namespace existed.
	Delete(ctx context.Context, ns Namespace) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// Handle provides entry access within a single namespace.
type Handle interface {
	Namespace() Namespace

	// Match returns the entry stored for exactly this key.
	Match(ctx context.Context, key Key) (Response, bool, error)

	// Put inserts or overwrites the entry for the key. Concurrent writes to
	// the same key resolve as last-write-wins.
	Put(ctx context.Context, key Key, resp Response) error
}
