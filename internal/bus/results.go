package bus

import (
	"context"
	"fmt"
	"sync"
)

const updateBacklog = 4

// ResultBoard hands delegation results from workers back to the delegating
// turn. The parent opens an entry keyed by the worker's agent id before
// starting the worker; the worker reports non-terminal status updates while
// running and resolves the entry exactly once when finished.
type ResultBoard struct {
	mu      sync.Mutex
	pending map[string]*boardEntry
}

type boardEntry struct {
	result  chan TaskResult
	updates chan StatusUpdate
}

// NewResultBoard creates an empty board.
func NewResultBoard() *ResultBoard {
	return &ResultBoard{pending: make(map[string]*boardEntry)}
}

// Open registers an entry for agentID and returns a handle to await the
// result. Opening an id that is already pending returns an error; worker
// agent ids are unique per spawn, so a collision means a lifecycle bug.
func (rb *ResultBoard) Open(agentID string) (*ResultHandle, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if _, exists := rb.pending[agentID]; exists {
		return nil, fmt.Errorf("bus: result entry already open for agent %s", agentID)
	}
	e := &boardEntry{
		result:  make(chan TaskResult, 1),
		updates: make(chan StatusUpdate, updateBacklog),
	}
	rb.pending[agentID] = e
	return &ResultHandle{board: rb, agentID: agentID, entry: e}, nil
}

// Resolve delivers the result for res.AgentID. Returns false when no entry
// is open (the parent already gave up or never delegated).
func (rb *ResultBoard) Resolve(res TaskResult) bool {
	rb.mu.Lock()
	e, ok := rb.pending[res.AgentID]
	delete(rb.pending, res.AgentID)
	rb.mu.Unlock()
	if !ok {
		return false
	}
	e.result <- res
	return true
}

// Update delivers a non-terminal status update to the open entry for
// u.AgentID. Updates never block: the backlog covers a worker's lifecycle
// reports, and extras are dropped. Returns false when no entry is open.
func (rb *ResultBoard) Update(u StatusUpdate) bool {
	rb.mu.Lock()
	e, ok := rb.pending[u.AgentID]
	rb.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.updates <- u:
	default:
	}
	return true
}

func (rb *ResultBoard) discard(agentID string) {
	rb.mu.Lock()
	delete(rb.pending, agentID)
	rb.mu.Unlock()
}

// ResultHandle is one awaitable delegation result.
type ResultHandle struct {
	board   *ResultBoard
	agentID string
	entry   *boardEntry
}

// Await blocks until the worker resolves the entry or ctx is cancelled. On
// cancellation the entry is discarded so a late resolve does not leak.
func (h *ResultHandle) Await(ctx context.Context) (TaskResult, error) {
	select {
	case res := <-h.entry.result:
		return res, nil
	case <-ctx.Done():
		h.board.discard(h.agentID)
		return TaskResult{}, ctx.Err()
	}
}

// Result exposes the terminal result channel for callers that select over
// result and updates together.
func (h *ResultHandle) Result() <-chan TaskResult {
	return h.entry.result
}

// Updates is the stream of non-terminal status reports from the worker.
func (h *ResultHandle) Updates() <-chan StatusUpdate {
	return h.entry.updates
}

// Cancel discards the entry without waiting.
func (h *ResultHandle) Cancel() {
	h.board.discard(h.agentID)
}
