package bus

import (
	"context"
	"testing"
	"time"

	"github.com/praxislabs/conductor/internal/store"
)

func TestMessageBusConsume(t *testing.T) {
	b := NewMessageBus()
	msg := &store.Message{ID: store.GenNewID(), Content: "hello"}

	got := make(chan *store.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Consume(ctx, func(m *store.Message) { got <- m })

	b.PublishInbound(msg)

	select {
	case m := <-got:
		if m.ID != msg.ID {
			t.Fatalf("consumed %s, want %s", m.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("message never consumed")
	}
}

func TestMessageBusBroadcast(t *testing.T) {
	b := NewMessageBus()

	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })

	b.Broadcast(Event{Name: EventMessage})
	if len(got) != 2 {
		t.Fatalf("delivered to %d subscribers, want 2", len(got))
	}

	b.Unsubscribe("a")
	got = nil
	b.Broadcast(Event{Name: EventMessage})
	if len(got) != 1 || got[0] != "b:"+EventMessage {
		t.Fatalf("after Unsubscribe got %v", got)
	}
}

func TestMessageBusSubscribeReplaces(t *testing.T) {
	b := NewMessageBus()

	count := 0
	b.Subscribe("a", func(Event) { count += 10 })
	b.Subscribe("a", func(Event) { count++ })

	b.Broadcast(Event{Name: EventMessage})
	if count != 1 {
		t.Fatalf("count = %d, want 1 (second handler replaces first)", count)
	}
}
