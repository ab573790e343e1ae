package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/store"
)

const chunkBurst = 10

// BusSink implements Sink over the in-process message bus. Outbound chunk
// traffic is rate limited per conversation so a fast model cannot flood
// gateway clients; lifecycle events are never limited.
type BusSink struct {
	bus *bus.MessageBus

	mu       sync.Mutex
	handler  bus.MessageHandler
	limiters map[uuid.UUID]*rate.Limiter
	perSec   rate.Limit
}

// NewBusSink creates a sink over b limiting stream chunks to roughly
// ratePerMinute per conversation. ratePerMinute <= 0 disables limiting.
func NewBusSink(b *bus.MessageBus, ratePerMinute int) *BusSink {
	var perSec rate.Limit = rate.Inf
	if ratePerMinute > 0 {
		perSec = rate.Limit(float64(ratePerMinute) / 60.0)
	}
	return &BusSink{
		bus:      b,
		limiters: make(map[uuid.UUID]*rate.Limiter),
		perSec:   perSec,
	}
}

func (s *BusSink) limiter(convID uuid.UUID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[convID]
	if !ok {
		l = rate.NewLimiter(s.perSec, chunkBurst)
		s.limiters[convID] = l
	}
	return l
}

func (s *BusSink) SendStreamStart(streamID string, info StreamInfo) {
	s.bus.Broadcast(bus.Event{Name: bus.EventStreamStart, Payload: StreamStartPayload{StreamID: streamID, Info: info}})
}

func (s *BusSink) SendStreamChunk(streamID, text string, conversationID uuid.UUID) {
	// Block until the limiter admits the chunk; chunk order must hold.
	_ = s.limiter(conversationID).Wait(context.Background())
	s.bus.Broadcast(bus.Event{Name: bus.EventStreamChunk, Payload: StreamChunkPayload{
		StreamID:       streamID,
		Text:           text,
		ConversationID: conversationID,
	}})
}

func (s *BusSink) SendStreamEnd(streamID string, end StreamEnd) {
	s.bus.Broadcast(bus.Event{Name: bus.EventStreamEnd, Payload: StreamEndPayload{StreamID: streamID, End: end}})
}

func (s *BusSink) SendError(title, sanitizedDetails string, conversationID uuid.UUID) {
	s.bus.Broadcast(bus.Event{Name: bus.EventError, Payload: ErrorPayload{
		Title:          title,
		Details:        sanitizedDetails,
		ConversationID: conversationID,
	}})
}

func (s *BusSink) Broadcast(event bus.Event) {
	s.bus.Broadcast(event)
}

// OnMessage wires handler as the single inbound consumer. The caller is
// responsible for running Consume on the bus; this only records intent for
// Deliver.
func (s *BusSink) OnMessage(handler bus.MessageHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Deliver pushes an ingress message to the registered handler via the bus
// queue. Messages arriving before OnMessage are queued on the bus and picked
// up when Run starts.
func (s *BusSink) Deliver(msg *store.Message) {
	s.bus.PublishInbound(msg)
}

// Run drains the bus into the registered handler until ctx is cancelled.
func (s *BusSink) Run(ctx context.Context) {
	s.bus.Consume(ctx, func(msg *store.Message) {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(msg)
		}
	})
}
