package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reservation event types.
const (
	ReservationCreated   = "reservation.created"
	ReservationReseated  = "reservation.reseated"
	ReservationCancelled = "reservation.cancelled"
	ReservationNoShow    = "reservation.no_show"
)

// ReservationTypes lists every reservation event type.
var ReservationTypes = []string{ReservationCreated, ReservationReseated, ReservationCancelled, ReservationNoShow}

// Event is a committed reservation change.
type Event struct {
	Type          string
	RestaurantID  int64
	ReservationID int64
	StartsAt      time.Time
	PartySize     int
	CreatedAt     time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "events").Logger()
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: l}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish notifies subscribers of the event type. Handlers run synchronously
// and their errors are logged, never returned to the publisher.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("type", event.Type).Int64("reservation_id", event.ReservationID).Msg("event handler failed")
		}
	}
}
