package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoHandler is returned when an event kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoResponse is returned by Task.Response when a fetch event completed
	// without RespondWith being called.
	ErrNoResponse = errors.New("fetch event completed without a response")
)

type handlerFunc func(context.Context, Event) error

// Registry is the dispatch table mapping each event kind to its handler. It is
// built once at process start; handlers are looked up on every dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]handlerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Kind]handlerFunc),
	}
}

// Register binds a typed handler to an event kind, replacing any handler
// previously registered for it. Dispatching an event of a different concrete
// type under that kind fails the task.
func Register[E Event](r *Registry, kind Kind, handler func(context.Context, E) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[kind] = func(ctx context.Context, ev Event) error {
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("%s handler: unexpected event type %T", kind, ev)
		}
		return handler(ctx, typed)
	}
}

// Has reports whether a handler is registered for the kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[kind]
	return ok
}

// Dispatch runs the handler for the event on its own goroutine and returns a
// task that completes when the handler and all work it added through
// WaitUntil have finished. The handler's context carries the caller's values
// but not its cancellation.
func (r *Registry) Dispatch(ctx context.Context, ev Event) (*Task, error) {
	r.mu.RLock()
	handler, ok := r.handlers[ev.Kind()]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w for %s event", ErrNoHandler, ev.Kind())
	}

	base := ev.extendable()
	if !base.start(context.WithoutCancel(ctx)) {
		return nil, fmt.Errorf("%s event: %w", ev.Kind(), ErrEventFinished)
	}

	log.Ctx(ctx).Debug().Str("event", string(ev.Kind())).Msg("dispatching lifecycle event")

	// cannot fail: the event was dispatched above and has no work yet
	_ = base.WaitUntil(func(ctx context.Context) error {
		return handler(ctx, ev)
	})

	task := &Task{event: ev}
	if fetch, ok := ev.(*FetchEvent); ok {
		task.fetch = fetch
	}

	return task, nil
}

// Task is the completion token of one dispatched event.
type Task struct {
	event Event
	fetch *FetchEvent
}

// Kind returns the kind of the dispatched event.
func (t *Task) Kind() Kind {
	return t.event.Kind()
}

// Done is closed once the handler and every extension have returned.
func (t *Task) Done() <-chan struct{} {
	return t.event.extendable().done
}

// Wait blocks until the task completes and returns the first error reported
// by the handler or an extension. A cancelled ctx stops the wait, not the
// task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return t.event.extendable().group.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Response returns the outcome of a fetch event as soon as the handler has
// responded, which may be before the task completes.
func (t *Task) Response(ctx context.Context) (cache.Response, error) {
	if t.fetch == nil {
		return cache.Response{}, fmt.Errorf("%s event: %w", t.Kind(), ErrNoResponse)
	}

	select {
	case <-t.fetch.responded:
		return t.fetch.response, t.fetch.responseErr
	case <-t.Done():
		// a response may have raced with completion
		select {
		case <-t.fetch.responded:
			return t.fetch.response, t.fetch.responseErr
		default:
		}
		if err := t.event.extendable().group.Wait(); err != nil {
			return cache.Response{}, err
		}
		return cache.Response{}, ErrNoResponse
	case <-ctx.Done():
		return cache.Response{}, ctx.Err()
	}
}
