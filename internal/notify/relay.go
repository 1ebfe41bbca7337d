package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProductName = "Portfolio Update"

	IconPath  = "/icons/icon-192x192.png"
	BadgePath = "/icons/icon-72x72.png"

	// CorrelationKey is the fixed primary key attached to every notification.
	CorrelationKey = 1
)

// ErrUnreadablePayload is returned when a push carries no data or data that
// is not text.
var ErrUnreadablePayload = errors.New("push payload is not readable as text")

// VibrationPattern returns the vibrate-pause-vibrate pattern, in
// milliseconds, used for every notification.
func VibrationPattern() []int {
	return []int{100, 50, 100}
}

// Payload is the opaque body of a push message. Nil means the push carried no
// data at all.
type Payload []byte

// Text returns the payload as text.
func (p Payload) Text() (string, error) {
	if p == nil || !utf8.Valid(p) {
		return "", ErrUnreadablePayload
	}
	return string(p), nil
}

// Data is the correlation payload attached to a notification.
type Data struct {
	ArrivalTimestamp int64 `json:"arrivalTimestamp"`
	CorrelationKey   int   `json:"correlationKey"`
}

// Notification is a request to the host notification surface.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon"`
	Badge     string    `json:"badge"`
	Vibrate   []int     `json:"vibrate"`
	Data      Data      `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientType filters the kinds of client a Clients query returns.
type ClientType string

const ClientTypeWindow ClientType = "window"

// Client is an open view of the site.
type Client struct {
	ID      string     `json:"id"`
	Type    ClientType `json:"type"`
	URL     string     `json:"url"`
	Focused bool       `json:"focused"`
}

// Surface displays notifications to the user.
type Surface interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Clients gives access to the open views of the site.
type Clients interface {
	// MatchAll returns the open clients of the given type, in the order the
	// host knows them.
	MatchAll(ctx context.Context, clientType ClientType) ([]Client, error)
	Focus(ctx context.Context, id string) (Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Relay turns push messages into notifications and notification clicks into
// window focus or navigation.
type Relay struct {
	surface     Surface
	clients     Clients
	clock       clockwork.Clock
	productName string
}

type RelayOption func(*Relay)

// WithClock sets the clock used for arrival timestamps.
func WithClock(clock clockwork.Clock) RelayOption {
	return func(r *Relay) {
		r.clock = clock
	}
}

// WithProductName sets the notification title.
func WithProductName(name string) RelayOption {
	return func(r *Relay) {
		if name != "" {
			r.productName = name
		}
	}
}

func NewRelay(surface Surface, clients Clients, opts ...RelayOption) *Relay {
	r := &Relay{
		surface:     surface,
		clients:     clients,
		clock:       clockwork.NewRealClock(),
		productName: DefaultProductName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnPush builds a notification whose body is the payload text and shows it.
// It returns once the surface has displayed it.
func (r *Relay) OnPush(ctx context.Context, payload Payload) (Notification, error) {
	text, err := payload.Text()
	if err != nil {
		return Notification{}, err
	}

	now := r.clock.Now()
	n := Notification{
		ID:      uuid.NewString(),
		Title:   r.productName,
		Body:    text,
		Icon:    IconPath,
		Badge:   BadgePath,
		Vibrate: VibrationPattern(),
		Data: Data{
			ArrivalTimestamp: now.UnixMilli(),
			CorrelationKey:   CorrelationKey,
		},
		Timestamp: now,
	}

	if err := r.surface.Show(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("showing notification: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("notification_id", n.ID).
		Int("body_length", len(text)).
		Msg("notification shown")

	return n, nil
}

// OnClick closes the notification, then focuses the first open window or, if
// there is none, opens one at the site root.
func (r *Relay) OnClick(ctx context.Context, n Notification) error {
	if err := r.surface.Close(ctx, n.ID); err != nil {
		return fmt.Errorf("closing notification %s: %w", n.ID, err)
	}

	windows, err := r.clients.MatchAll(ctx, ClientTypeWindow)
	if err != nil {
		return fmt.Errorf("listing window clients: %w", err)
	}

	if len(windows) > 0 {
		focused, err := r.clients.Focus(ctx, windows[0].ID)
		if err != nil {
			return fmt.Errorf("focusing client %s: %w", windows[0].ID, err)
		}
		log.Ctx(ctx).Info().
			Str("notification_id", n.ID).
			Str("client_id", focused.ID).
			Str("url", focused.URL).
			Msg("notification click focused client")
		return nil
	}

	opened, err := r.clients.OpenWindow(ctx, "/")
	if err != nil {
		return fmt.Errorf("opening window: %w", err)
	}
	log.Ctx(ctx).Info().
		Str("notification_id", n.ID).
		Str("client_id", opened.ID).
		Msg("notification click opened window")

	return nil
}
