package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEventFinished is returned when work is added to an event whose task
	// has already completed.
	ErrEventFinished = errors.New("event has already finished")

	// ErrNotDispatched is returned when work is added to an event that has not
	// been dispatched yet.
	ErrNotDispatched = errors.New("event has not been dispatched")

	// ErrAlreadyResponded is returned by RespondWith on its second call.
	ErrAlreadyResponded = errors.New("fetch event already has a response")
)

// Kind names a lifecycle signal.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

// Event is implemented by every event type the registry can dispatch.
type Event interface {
	Kind() Kind
	extendable() *ExtendableEvent
}

// ExtendableEvent is the base of every event. Work added through WaitUntil
// extends the lifetime of the event: its task only completes once the handler
// and every extension have returned.
type ExtendableEvent struct {
	kind Kind

	mu         sync.Mutex
	ctx        context.Context
	group      errgroup.Group
	pending    int
	dispatched bool
	finished   bool
	done       chan struct{}
}

func (e *ExtendableEvent) init(kind Kind) {
	e.kind = kind
	e.done = make(chan struct{})
}

func (e *ExtendableEvent) Kind() Kind {
	return e.kind
}

func (e *ExtendableEvent) extendable() *ExtendableEvent {
	return e
}

// WaitUntil runs fn on its own goroutine as part of the event. The context
// passed to fn is not cancelled when the dispatching caller goes away.
func (e *ExtendableEvent) WaitUntil(fn func(context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dispatched {
		return ErrNotDispatched
	}
	if e.finished {
		return ErrEventFinished
	}

	e.pending++
	ctx := e.ctx
	e.group.Go(func() (err error) {
		defer e.release()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s event: recovered from panic: %v", e.kind, r)
			}
		}()
		return fn(ctx)
	})

	return nil
}

// start marks the event dispatched. An event can only be dispatched once.
func (e *ExtendableEvent) start(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dispatched {
		return false
	}
	e.dispatched = true
	e.ctx = ctx

	return true
}

func (e *ExtendableEvent) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending--
	if e.pending == 0 {
		e.finished = true
		close(e.done)
	}
}

// InstallEvent signals that a new generation should seed its namespace.
type InstallEvent struct {
	ExtendableEvent
}

func NewInstallEvent() *InstallEvent {
	e := &InstallEvent{}
	e.init(KindInstall)
	return e
}

// ActivateEvent signals that the installed generation takes over. The
// handler records what it removed in Result.
type ActivateEvent struct {
	ExtendableEvent

	Result generation.ActivateResult
}

func NewActivateEvent() *ActivateEvent {
	e := &ActivateEvent{}
	e.init(KindActivate)
	return e
}

// FetchEvent carries one intercepted request. The response is delivered
// through RespondWith, independently of the event's completion: a handler can
// respond and keep writing to the store under WaitUntil.
type FetchEvent struct {
	ExtendableEvent

	Request *http.Request

	respondOnce sync.Once
	responded   chan struct{}
	response    cache.Response
	responseErr error
}

func NewFetchEvent(req *http.Request) *FetchEvent {
	e := &FetchEvent{
		Request:   req,
		responded: make(chan struct{}),
	}
	e.init(KindFetch)
	return e
}

// RespondWith sets the outcome of the fetch. Only the first call has any
// effect.
func (e *FetchEvent) RespondWith(resp cache.Response, err error) error {
	accepted := false
	e.respondOnce.Do(func() {
		e.response = resp
		e.responseErr = err
		accepted = true
		close(e.responded)
	})

	if !accepted {
		return ErrAlreadyResponded
	}
	return nil
}

// PushEvent carries an inbound push message. A nil Data means the push had
// no payload. The handler records the displayed notification in Shown.
type PushEvent struct {
	ExtendableEvent

	Data  notify.Payload
	Shown notify.Notification
}

func NewPushEvent(data notify.Payload) *PushEvent {
	e := &PushEvent{Data: data}
	e.init(KindPush)
	return e
}

// NotificationClickEvent carries the notification the user activated.
type NotificationClickEvent struct {
	ExtendableEvent

	Notification notify.Notification
}

func NewNotificationClickEvent(n notify.Notification) *NotificationClickEvent {
	e := &NotificationClickEvent{Notification: n}
	e.init(KindNotificationClick)
	return e
}
