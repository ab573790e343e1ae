package agents

import (
	"context"
	"testing"

	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/store/memory"
)

func TestRouterSelectsSupervisorByChannelTag(t *testing.T) {
	def := &Supervisor{BaseAgent: BaseAgent{Identity: Identity{ID: "default"}}}
	lead := &Supervisor{BaseAgent: BaseAgent{Identity: Identity{ID: "mission-lead"}}}

	conversations := memory.NewConversationStore()
	mkConv := func(tag string) *store.Conversation {
		c := &store.Conversation{ID: store.GenNewID(), ChannelTag: tag}
		if err := conversations.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
		return c
	}
	mission := mkConv(store.ChannelTagMission)
	pillar := mkConv(store.ChannelTagPillar)
	web := mkConv(store.ChannelTagWeb)

	r := NewRouter(def, lead, conversations)

	tests := []struct {
		name string
		msg  *store.Message
		want *Supervisor
	}{
		{"mission tag", &store.Message{ConversationID: mission.ID}, lead},
		{"pillar tag", &store.Message{ConversationID: pillar.ID}, lead},
		{"web tag", &store.Message{ConversationID: web.ID}, def},
		{"no conversation", &store.Message{}, def},
		{"unknown conversation", &store.Message{ConversationID: store.GenNewID()}, def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.supervisorFor(context.Background(), tt.msg); got != tt.want {
				t.Errorf("routed to %s, want %s", got.Identity.ID, tt.want.Identity.ID)
			}
		})
	}
}

func TestRouterCachesChannelTags(t *testing.T) {
	def := &Supervisor{BaseAgent: BaseAgent{Identity: Identity{ID: "default"}}}
	lead := &Supervisor{BaseAgent: BaseAgent{Identity: Identity{ID: "mission-lead"}}}

	conversations := memory.NewConversationStore()
	conv := &store.Conversation{ID: store.GenNewID(), ChannelTag: store.ChannelTagMission}
	if err := conversations.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(def, lead, conversations)
	msg := &store.Message{ConversationID: conv.ID}

	if got := r.supervisorFor(context.Background(), msg); got != lead {
		t.Fatal("first lookup misrouted")
	}

	// The cached tag survives the conversation disappearing from the store.
	if err := conversations.SoftDelete(context.Background(), conv.ID); err != nil {
		t.Fatal(err)
	}
	if got := r.supervisorFor(context.Background(), msg); got != lead {
		t.Error("cached tag not used on repeat lookup")
	}
}

func TestRouterWithoutMissionLead(t *testing.T) {
	def := &Supervisor{BaseAgent: BaseAgent{Identity: Identity{ID: "default"}}}

	conversations := memory.NewConversationStore()
	conv := &store.Conversation{ID: store.GenNewID(), ChannelTag: store.ChannelTagMission}
	if err := conversations.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(def, nil, conversations)
	if got := r.supervisorFor(context.Background(), &store.Message{ConversationID: conv.ID}); got != def {
		t.Error("nil mission lead should route everything to the default supervisor")
	}
}
