package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

// Dispatcher fans inbound messages out to handler goroutines while keeping
// per-conversation ordering: messages for the same conversation run one at a
// time in arrival order, messages for different conversations run in
// parallel. Sits between the bus consumer and the router so one slow turn
// never stalls the whole front door.
type Dispatcher struct {
	handler MessageHandler

	mu     sync.Mutex
	queues map[uuid.UUID]*convQueue
}

type convQueue struct {
	msgs []*store.Message
}

// NewDispatcher creates a dispatcher delivering to handler.
func NewDispatcher(handler MessageHandler) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		queues:  make(map[uuid.UUID]*convQueue),
	}
}

// Dispatch enqueues msg and returns immediately. The first message for a
// conversation starts a drain goroutine that runs until the conversation's
// queue is empty. Messages without a conversation id have no ordering to
// preserve and get their own goroutine.
func (d *Dispatcher) Dispatch(msg *store.Message) {
	if msg == nil {
		return
	}
	if msg.ConversationID == uuid.Nil {
		go d.handler(msg)
		return
	}

	d.mu.Lock()
	q, ok := d.queues[msg.ConversationID]
	if !ok {
		q = &convQueue{}
		d.queues[msg.ConversationID] = q
	}
	q.msgs = append(q.msgs, msg)
	d.mu.Unlock()

	if !ok {
		go d.drain(msg.ConversationID, q)
	}
}

func (d *Dispatcher) drain(convID uuid.UUID, q *convQueue) {
	for {
		d.mu.Lock()
		if len(q.msgs) == 0 {
			delete(d.queues, convID)
			d.mu.Unlock()
			return
		}
		msg := q.msgs[0]
		q.msgs = q.msgs[1:]
		d.mu.Unlock()

		d.handler(msg)
	}
}
