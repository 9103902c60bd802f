package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans run lifecycle events out to connected WebSocket
// subscribers.
type EventBroadcaster struct {
	mu           sync.RWMutex
	clients      map[string]*subscriber
	logger       zerolog.Logger
	seq          uint64
	writeTimeout time.Duration
}

const defaultWriteTimeout = 10 * time.Second

type subscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the connection
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster(logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients:      make(map[string]*subscriber),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

// Add registers a connection under an id.
func (b *EventBroadcaster) Add(id string, conn *websocket.Conn) {
	b.mu.Lock()
	b.clients[id] = &subscriber{id: id, conn: conn}
	b.mu.Unlock()
}

// Remove drops a connection.
func (b *EventBroadcaster) Remove(id string) {
	b.mu.Lock()
	delete(b.clients, id)
	b.mu.Unlock()
}

// Count returns the number of connected subscribers.
func (b *EventBroadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to every subscriber.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.clients))
	for _, sub := range b.clients {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subscribers {
		sub.mu.Lock()
		// A stalled subscriber must not block the broadcast loop.
		_ = sub.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		err := sub.conn.WriteMessage(websocket.TextMessage, payload)
		sub.mu.Unlock()
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", sub.id).
				Str("event", event).
				Msg("Failed to broadcast to client")
		}
	}
}

// CloseAll closes every subscriber connection.
func (b *EventBroadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.clients {
		sub.conn.Close()
		delete(b.clients, id)
	}
}
