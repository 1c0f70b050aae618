package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a category of platform event
type EventType string

const (
	EventAccountConnected    EventType = "account_connected"
	EventAccountDisconnected EventType = "account_disconnected"
	EventSignalCreated       EventType = "signal_created"
	EventSignalExpired       EventType = "signal_expired"
	EventTradeOpened         EventType = "trade_opened"
	EventTradeClosed         EventType = "trade_closed"
	EventTradeModified       EventType = "trade_modified"
	EventCommandQueued       EventType = "command_queued"
	EventCommandCompleted    EventType = "command_completed"
	EventCommandFailed       EventType = "command_failed"
	EventCommandTimeout      EventType = "command_timeout"
	EventBreakerTripped      EventType = "breaker_tripped"
	EventBreakerReset        EventType = "breaker_reset"
	EventSymbolStatusChanged EventType = "symbol_status_changed"
	EventShadowRecovered     EventType = "shadow_recovered"
	EventEmergencyClose      EventType = "emergency_close"
	EventDrawdownPause       EventType = "drawdown_pause"
)

// Event is a single published occurrence
type Event struct {
	Type      EventType   `json:"type"`
	AccountID int64       `json:"account_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler consumes an event
type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out. Handlers run on their
// own goroutine per event so a slow subscriber cannot stall a publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   zerolog.Logger
}

// NewBus creates an event bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger.With().Str("component", "EventBus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers an event to all subscribers of its type, and mirrors
// it to the dashboard broadcaster when one is installed.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	Broadcast(event)

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(handler Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Interface("panic", r).
						Str("event", string(event.Type)).Msg("Event handler panicked")
				}
			}()
			handler(event)
		}(h)
	}
}

// ==================== Dashboard Broadcast ====================

// BroadcastFunc pushes an event to connected dashboard websockets. The
// dashboard hub installs it at startup; until then broadcasts are
// silently dropped.
type BroadcastFunc func(Event)

var (
	broadcastMu sync.RWMutex
	broadcaster BroadcastFunc
)

// SetBroadcaster installs the websocket broadcast function
func SetBroadcaster(fn BroadcastFunc) {
	broadcastMu.Lock()
	defer broadcastMu.Unlock()
	broadcaster = fn
}

// Broadcast forwards an event to the dashboard hub if one is installed
func Broadcast(event Event) {
	broadcastMu.RLock()
	fn := broadcaster
	broadcastMu.RUnlock()
	if fn != nil {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		fn(event)
	}
}
