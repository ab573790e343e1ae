package agents

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

// Router is the front door: it selects a supervisor per message by the
// owning conversation's channel tag. Mission and pillar traffic goes to the
// mission lead; everything else to the default supervisor. Tags are cached
// per conversation; tags are effectively immutable once set.
type Router struct {
	Default     *Supervisor
	MissionLead *Supervisor

	Conversations store.ConversationStore

	mu   sync.RWMutex
	tags map[uuid.UUID]string
}

// NewRouter creates a router over the two supervisors. missionLead may be
// nil, in which case everything routes to the default supervisor.
func NewRouter(def, missionLead *Supervisor, conversations store.ConversationStore) *Router {
	return &Router{
		Default:       def,
		MissionLead:   missionLead,
		Conversations: conversations,
		tags:          make(map[uuid.UUID]string),
	}
}

// Route dispatches one ingress message to the right supervisor.
func (r *Router) Route(ctx context.Context, msg *store.Message) {
	r.supervisorFor(ctx, msg).HandleMessage(ctx, msg)
}

func (r *Router) supervisorFor(ctx context.Context, msg *store.Message) *Supervisor {
	if r.MissionLead == nil || msg.ConversationID == uuid.Nil {
		return r.Default
	}
	switch r.channelTag(ctx, msg.ConversationID) {
	case store.ChannelTagMission, store.ChannelTagPillar:
		return r.MissionLead
	default:
		return r.Default
	}
}

func (r *Router) channelTag(ctx context.Context, convID uuid.UUID) string {
	r.mu.RLock()
	tag, ok := r.tags[convID]
	r.mu.RUnlock()
	if ok {
		return tag
	}

	conv, err := r.Conversations.FindByID(ctx, convID)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("router: conversation lookup failed", "conversation", convID, "error", err)
		}
		return ""
	}

	r.mu.Lock()
	r.tags[convID] = conv.ChannelTag
	r.mu.Unlock()
	return conv.ChannelTag
}
