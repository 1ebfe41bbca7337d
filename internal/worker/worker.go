package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/fetch"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/lifecycle"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/rs/zerolog/log"
)

// DefaultInstallRetry bounds how long Start retries a failing install.
const DefaultInstallRetry = 2 * time.Minute

// Worker binds the fetch interceptor, generation manager and notification
// relay to their lifecycle events, and exposes the entry points the host
// calls. Every dispatched event is tracked until it completes so the host
// can drain before exit.
type Worker struct {
	registry    *lifecycle.Registry
	interceptor *fetch.Interceptor
	generations *generation.Manager
	relay       *notify.Relay

	installRetry   time.Duration
	installBackOff func() backoff.BackOff

	inflight tracker
}

type Option func(*Worker)

// WithInstallRetry sets how long Start keeps retrying a failed install. Zero
// or less means a single attempt.
func WithInstallRetry(d time.Duration) Option {
	return func(w *Worker) {
		w.installRetry = d
	}
}

// WithInstallBackOff replaces the exponential back-off between install
// attempts.
func WithInstallBackOff(newBackOff func() backoff.BackOff) Option {
	return func(w *Worker) {
		w.installBackOff = newBackOff
	}
}

func New(interceptor *fetch.Interceptor, generations *generation.Manager, relay *notify.Relay, opts ...Option) *Worker {
	w := &Worker{
		registry:     lifecycle.NewRegistry(),
		interceptor:  interceptor,
		generations:  generations,
		relay:        relay,
		installRetry: DefaultInstallRetry,
		installBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(w)
	}

	lifecycle.Register(w.registry, lifecycle.KindInstall, w.onInstall)
	lifecycle.Register(w.registry, lifecycle.KindActivate, w.onActivate)
	lifecycle.Register(w.registry, lifecycle.KindFetch, w.onFetch)
	lifecycle.Register(w.registry, lifecycle.KindPush, w.onPush)
	lifecycle.Register(w.registry, lifecycle.KindNotificationClick, w.onNotificationClick)

	return w
}

// Namespace returns the namespace of the running generation.
func (w *Worker) Namespace() cache.Namespace {
	return w.generations.Current()
}

func (w *Worker) onInstall(_ context.Context, e *lifecycle.InstallEvent) error {
	return e.WaitUntil(w.generations.Install)
}

func (w *Worker) onActivate(ctx context.Context, e *lifecycle.ActivateEvent) error {
	result, err := w.generations.Activate(ctx)
	if err != nil {
		return err
	}
	e.Result = result
	return nil
}

func (w *Worker) onFetch(ctx context.Context, e *lifecycle.FetchEvent) error {
	resp, err := w.interceptor.Intercept(ctx, e.Request, e)
	return e.RespondWith(resp, err)
}

func (w *Worker) onPush(_ context.Context, e *lifecycle.PushEvent) error {
	return e.WaitUntil(func(ctx context.Context) error {
		shown, err := w.relay.OnPush(ctx, e.Data)
		if err != nil {
			return err
		}
		e.Shown = shown
		return nil
	})
}

func (w *Worker) onNotificationClick(_ context.Context, e *lifecycle.NotificationClickEvent) error {
	return e.WaitUntil(func(ctx context.Context) error {
		return w.relay.OnClick(ctx, e.Notification)
	})
}

func (w *Worker) dispatch(ctx context.Context, ev lifecycle.Event) (*lifecycle.Task, error) {
	task, err := w.registry.Dispatch(ctx, ev)
	if err != nil {
		return nil, err
	}

	w.inflight.add()
	go func() {
		<-task.Done()
		w.inflight.done()
	}()

	return task, nil
}

// Start installs the current generation, retrying with back-off while the
// origin is unavailable, and then activates it.
func (w *Worker) Start(ctx context.Context) (generation.ActivateResult, error) {
	l := log.Ctx(ctx).With().Str("namespace", w.Namespace().String()).Logger()

	opts := []backoff.RetryOption{
		backoff.WithBackOff(w.installBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.Warn().Err(err).Dur("retry_in", next).Msg("install failed, retrying")
		}),
	}
	if w.installRetry > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(w.installRetry))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.Install(ctx)
	}, opts...)
	if err != nil {
		return generation.ActivateResult{}, fmt.Errorf("installing %s: %w", w.Namespace(), err)
	}

	return w.Activate(ctx)
}

// Install dispatches an install event and waits for it to complete.
func (w *Worker) Install(ctx context.Context) error {
	task, err := w.dispatch(ctx, lifecycle.NewInstallEvent())
	if err != nil {
		return err
	}
	return task.Wait(ctx)
}

// Activate dispatches an activate event and waits for it to complete.
func (w *Worker) Activate(ctx context.Context) (generation.ActivateResult, error) {
	ev := lifecycle.NewActivateEvent()
	task, err := w.dispatch(ctx, ev)
	if err != nil {
		return generation.ActivateResult{}, err
	}
	if err := task.Wait(ctx); err != nil {
		return generation.ActivateResult{}, err
	}
	return ev.Result, nil
}

// RoundTrip intercepts an outbound request. It returns as soon as the
// response is available; any store write continues in the background and
// is covered by Drain.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return fetch.Transport(w.intercept).RoundTrip(req)
}

func (w *Worker) intercept(req *http.Request) (cache.Response, error) {
	task, err := w.dispatch(req.Context(), lifecycle.NewFetchEvent(req))
	if err != nil {
		return cache.Response{}, err
	}
	return task.Response(req.Context())
}

// Push relays a push message as a notification and returns it once shown.
func (w *Worker) Push(ctx context.Context, payload notify.Payload) (notify.Notification, error) {
	ev := lifecycle.NewPushEvent(payload)
	task, err := w.dispatch(ctx, ev)
	if err != nil {
		return notify.Notification{}, err
	}
	if err := task.Wait(ctx); err != nil {
		return notify.Notification{}, err
	}
	return ev.Shown, nil
}

// NotificationClick handles a click on a shown notification.
func (w *Worker) NotificationClick(ctx context.Context, n notify.Notification) error {
	task, err := w.dispatch(ctx, lifecycle.NewNotificationClickEvent(n))
	if err != nil {
		return err
	}
	return task.Wait(ctx)
}

// Drain waits for every dispatched event to complete, or for ctx to end.
func (w *Worker) Drain(ctx context.Context) error {
	return w.inflight.wait(ctx)
}

// tracker counts in-flight tasks.
type tracker struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active--
	if t.active == 0 {
		close(t.idle)
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.active == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
