package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/praxislabs/conductor/internal/store"
)

const defaultInboundBuffer = 256

// MessageBus connects channel front doors to the message router and fans
// events out to subscribers. Inbound messages flow through a buffered queue
// drained by a single consumer goroutine, so turn processing never blocks
// the accepting channel.
type MessageBus struct {
	inbound chan *store.Message

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates a bus with the default inbound buffer.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan *store.Message, defaultInboundBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the consumer. Drops the message with
// a warning when the queue is full rather than blocking the front door.
func (b *MessageBus) PublishInbound(msg *store.Message) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"conversation", msg.ConversationID, "message", msg.ID)
	}
}

// Consume drains the inbound queue until ctx is cancelled, invoking handler
// for each message. Intended to run as the single gateway consumer goroutine.
func (b *MessageBus) Consume(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbound:
			handler(msg)
		}
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every subscriber. Handlers run synchronously
// on the caller's goroutine and must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
