package cache

import (
	"context"
	"slices"
	"sync"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-process store. Each namespace is an unbounded otter cache,
// so entries are only removed when their namespace is deleted.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[Namespace]*otter.Cache[Key, Response]
	counter    *stats.Counter
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[Namespace]*otter.Cache[Key, Response]),
		counter:    stats.NewCounter(),
	}
}

// Open returns a handle to the namespace, creating it when absent.
func (m *Memory) Open(_ context.Context, ns Namespace) (Handle, error) {
	m.mu.RLock()
	entries, ok := m.namespaces[ns]
	m.mu.RUnlock()
	if ok {
		return &memoryHandle{ns: ns, entries: entries}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another caller may have created it while the lock was released
	entries, ok = m.namespaces[ns]
	if !ok {
		entries = otter.Must(&otter.Options[Key, Response]{
			StatsRecorder: m.counter,
		})
		m.namespaces[ns] = entries
	}

	return &memoryHandle{ns: ns, entries: entries}, nil
}

// Namespaces lists the namespaces currently held, sorted by name.
func (m *Memory) Namespaces(_ context.Context) ([]Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]Namespace, 0, len(m.namespaces))
	for ns := range m.namespaces {
		names = append(names, ns)
	}
	slices.Sort(names)

	return names, nil
}

// Delete drops the namespace. Handles opened before the delete keep working
// against the detached entries, which are no longer reachable from the store.
func (m *Memory) Delete(_ context.Context, ns Namespace) (bool, error) {
	m.mu.Lock()
	entries, ok := m.namespaces[ns]
	delete(m.namespaces, ns)
	m.mu.Unlock()

	if ok {
		entries.InvalidateAll()
	}

	return ok, nil
}

// Stats reports hit and miss counts across all namespaces.
func (m *Memory) Stats() stats.Stats {
	return m.counter.Snapshot()
}

func (m *Memory) Close() error {
	return nil
}

type memoryHandle struct {
	ns      Namespace
	entries *otter.Cache[Key, Response]
}

func (h *memoryHandle) Namespace() Namespace {
	return h.ns
}

func (h *memoryHandle) Match(_ context.Context, key Key) (Response, bool, error) {
	resp, ok := h.entries.GetIfPresent(key)
	if !ok {
		return Response{}, false, nil
	}

	// callers own what they receive; the stored copy is never exposed
	return resp.Clone(), true, nil
}

func (h *memoryHandle) Put(_ context.Context, key Key, resp Response) error {
	h.entries.Set(key, resp.Clone())
	return nil
}
