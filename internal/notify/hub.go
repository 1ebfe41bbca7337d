package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	streamBuffer            = 16
	streamHeartbeatInterval = 25 * time.Second

	// DefaultPendingWindowTimeout is how long a window opened by a click
	// counts as open without a stream attaching to it.
	DefaultPendingWindowTimeout = 30 * time.Second
)

var (
	// ErrUnknownClient is returned when focusing a client that is not open.
	ErrUnknownClient = errors.New("unknown client")

	// ErrUnknownNotification is returned when a notification id is not in the
	// displayed set.
	ErrUnknownNotification = errors.New("unknown notification")

	// ErrHubClosed is returned when attaching a stream after CloseAll.
	ErrHubClosed = errors.New("notification hub is closed")
)

// MessageType names the kinds of message sent to window clients.
type MessageType string

const (
	MessageNotification MessageType = "notification"
	MessageClose        MessageType = "close"
	MessageFocus        MessageType = "focus"
)

// Message is one server-sent event delivered to a window client.
type Message struct {
	Type         MessageType   `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
}

// Hub is the host-side notification surface and client registry. Window
// clients attach through an event stream; displayed notifications are held in
// a bounded history so a later click can be resolved by id.
type Hub struct {
	mu      sync.Mutex
	shown   *lru.Cache[string, Notification]
	clients []*windowClient
	closed  bool

	clock          clockwork.Clock
	pendingTimeout time.Duration
}

type windowClient struct {
	client   Client
	events   chan Message
	attached bool
	openedAt time.Time
}

type HubOption func(*Hub)

// WithHubClock replaces the clock used to expire pending windows.
func WithHubClock(clock clockwork.Clock) HubOption {
	return func(h *Hub) {
		h.clock = clock
	}
}

// WithPendingWindowTimeout sets how long a window opened through OpenWindow
// waits for its stream before it is forgotten.
func WithPendingWindowTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.pendingTimeout = d
	}
}

// NewHub creates a hub remembering at most historySize displayed
// notifications.
func NewHub(historySize int, opts ...HubOption) (*Hub, error) {
	shown, err := lru.New[string, Notification](historySize)
	if err != nil {
		return nil, fmt.Errorf("notification history: %w", err)
	}

	h := &Hub{
		shown:          shown,
		clock:          clockwork.NewRealClock(),
		pendingTimeout: DefaultPendingWindowTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Show records the notification as displayed and delivers it to every
// attached window.
func (h *Hub) Show(_ context.Context, n Notification) error {
	if n.ID == "" {
		return fmt.Errorf("notification id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.shown.Add(n.ID, n)
	h.broadcastLocked(Message{Type: MessageNotification, Notification: &n})

	return nil
}

// Close removes the notification from the displayed set. Closing an unknown
// or already closed notification is not an error.
func (h *Hub) Close(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shown.Remove(id) {
		h.broadcastLocked(Message{Type: MessageClose, ID: id})
	}

	return nil
}

// Lookup returns a displayed notification by id.
func (h *Hub) Lookup(id string) (Notification, error) {
	n, ok := h.shown.Get(id)
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	return n, nil
}

// Recent returns the displayed notifications, oldest first.
func (h *Hub) Recent() []Notification {
	return h.shown.Values()
}

// MatchAll returns open clients of the given type in the order they were
// opened. A window opened through OpenWindow is only listed until its
// pending timeout passes without a stream attaching.
func (h *Hub) MatchAll(_ context.Context, clientType ClientType) ([]Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expirePendingLocked()

	var matched []Client
	for _, wc := range h.clients {
		if wc.client.Type == clientType {
			matched = append(matched, wc.client)
		}
	}

	return matched, nil
}

// Focus brings the client to the foreground.
func (h *Hub) Focus(_ context.Context, id string) (Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expirePendingLocked()

	idx := h.indexLocked(id)
	if idx < 0 {
		return Client{}, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	for i, wc := range h.clients {
		wc.client.Focused = i == idx
	}

	target := h.clients[idx]
	sendLocked(target, Message{Type: MessageFocus, ID: target.client.ID})

	return target.client, nil
}

// OpenWindow registers a new window client at url. The window appears in
// MatchAll at once; a stream presenting its id later attaches to it. If no
// stream attaches within the pending timeout the window is forgotten, so a
// later click opens another one.
func (h *Hub) OpenWindow(_ context.Context, url string) (Client, error) {
	if !strings.HasPrefix(url, "/") {
		return Client{}, fmt.Errorf("window url must be origin-relative: %q", url)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.expirePendingLocked()

	wc := &windowClient{
		client: Client{
			ID:      uuid.NewString(),
			Type:    ClientTypeWindow,
			URL:     url,
			Focused: true,
		},
		events:   make(chan Message, streamBuffer),
		openedAt: h.clock.Now(),
	}
	for _, other := range h.clients {
		other.client.Focused = false
	}
	h.clients = append(h.clients, wc)

	return wc.client, nil
}

// Subscription is an attached window client's event feed.
type Subscription struct {
	Client Client
	Events <-chan Message

	hub *Hub
}

// Detach removes the client from the hub.
func (s *Subscription) Detach() {
	s.hub.detach(s.Client.ID)
}

// Attach connects a window stream. An id naming a window opened through
// OpenWindow attaches to that record; any other id, or none, registers a new
// client.
func (h *Hub) Attach(id, url string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	h.expirePendingLocked()

	if idx := h.indexLocked(id); idx >= 0 {
		wc := h.clients[idx]
		if wc.attached {
			return nil, fmt.Errorf("client %s already has a stream", id)
		}
		wc.attached = true
		if url != "" {
			wc.client.URL = url
		}
		return &Subscription{Client: wc.client, Events: wc.events, hub: h}, nil
	}

	if id == "" {
		id = uuid.NewString()
	}
	if url == "" {
		url = "/"
	}

	wc := &windowClient{
		client: Client{
			ID:   id,
			Type: ClientTypeWindow,
			URL:  url,
		},
		events:   make(chan Message, streamBuffer),
		attached: true,
	}
	h.clients = append(h.clients, wc)

	return &Subscription{Client: wc.client, Events: wc.events, hub: h}, nil
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.indexLocked(id)
	if idx < 0 {
		return
	}
	close(h.clients[idx].events)
	h.clients = slices.Delete(h.clients, idx, idx+1)
}

// CloseAll ends every attached stream and refuses new ones. It is meant to
// run when the server shuts down, as streams otherwise hold it open.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, wc := range h.clients {
		if wc.attached {
			close(wc.events)
		}
	}
	log.Info().Int("clients", len(h.clients)).Msg("client streams closed")
	h.clients = nil
}

func (h *Hub) expirePendingLocked() {
	now := h.clock.Now()
	h.clients = slices.DeleteFunc(h.clients, func(wc *windowClient) bool {
		if wc.attached || now.Sub(wc.openedAt) < h.pendingTimeout {
			return false
		}
		log.Debug().
			Str("client_id", wc.client.ID).
			Str("url", wc.client.URL).
			Msg("opened window never attached, forgetting it")
		return true
	})
}

func (h *Hub) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(h.clients, func(wc *windowClient) bool {
		return wc.client.ID == id
	})
}

func (h *Hub) broadcastLocked(msg Message) {
	for _, wc := range h.clients {
		sendLocked(wc, msg)
	}
}

// sendLocked never blocks: a client that is not draining its stream misses
// the message.
func sendLocked(wc *windowClient, msg Message) {
	if !wc.attached {
		return
	}
	select {
	case wc.events <- msg:
	default:
		log.Warn().
			Str("client_id", wc.client.ID).
			Str("message", string(msg.Type)).
			Msg("client stream full, dropping message")
	}
}

// StreamHandler serves the server-sent event stream of a window client. The
// client id and current URL are taken from the "client" and "url" query
// parameters.
func (h *Hub) StreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		query := r.URL.Query()
		sub, err := h.Attach(query.Get("client"), query.Get("url"))
		if errors.Is(err, ErrHubClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		defer sub.Detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// the first event tells the window its client id
		if err := writeEvent(w, "client", sub.Client); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(streamHeartbeatInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case msg, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := writeEvent(w, string(msg.Type), msg); err != nil {
					log.Ctx(ctx).Debug().Err(err).Str("client_id", sub.Client.ID).Msg("client stream write failed")
					return
				}
				flusher.Flush()
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
