package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/store"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 64
	writeWait       = 10 * time.Second
)

// Frame is the wire envelope. Requests carry Method and Params; responses
// carry OK/Payload/Error; server events carry Event/Payload/Seq.
type Frame struct {
	Type    string          `json:"type"` // req, res, event
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload interface{}     `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// FrameError is a structured request failure.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	Token string `json:"token,omitempty"`
}

type messageSendParams struct {
	ID             string   `json:"id,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	TurnID         string   `json:"turnId,omitempty"`
	Content        string   `json:"content"`
	Command        string   `json:"command,omitempty"`
	AllowedTools   []string `json:"allowedTools,omitempty"`
}

type historyParams struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
}

type renameParams struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type deleteParams struct {
	ConversationID string `json:"conversationId"`
}

type signalsPollParams struct {
	Watermark int64 `json:"watermark"`
	Limit     int   `json:"limit,omitempty"`
}

// Client is one connected WebSocket peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send   chan []byte
	cancel context.CancelFunc
	authed atomic.Bool
	seq    int64
}

// NewClient wraps an accepted connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendBuffer),
	}
	// No configured token means an open gateway (dev mode).
	if server.cfg.Gateway.Token == "" {
		c.authed.Store(true)
	}
	return c
}

// Close tears the connection down.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// Run services the connection until it drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	go c.writeLoop(ctx)

	c.conn.SetReadLimit(maxPayloadBytes)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if frame.Type == "" {
			frame.Type = "req"
		}
		if frame.Type != "req" {
			c.sendError(frame.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", frame.Type))
			continue
		}

		if !c.authed.Load() && frame.Method != "connect" {
			c.sendError(frame.ID, "handshake_required", "first request must be connect")
			continue
		}

		if err := c.handleRequest(ctx, &frame); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, frame *Frame) error {
	switch frame.Method {
	case "connect":
		return c.handleConnect(frame)
	case "ping":
		return c.sendResponse(frame.ID, true, map[string]interface{}{"timestamp": time.Now().UnixMilli()}, nil)
	case "message.send":
		return c.handleMessageSend(frame)
	case "conversations.list":
		return c.handleConversationsList(ctx, frame)
	case "conversation.history":
		return c.handleHistory(ctx, frame)
	case "conversation.rename":
		return c.handleRename(ctx, frame)
	case "conversation.delete":
		return c.handleDelete(ctx, frame)
	case "signals.poll":
		return c.handleSignalsPoll(ctx, frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (c *Client) handleConnect(frame *Frame) error {
	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	token := c.server.cfg.Gateway.Token
	if token != "" && params.Token != token {
		c.sendError(frame.ID, "unauthorized", "invalid token")
		c.conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return nil
	}

	c.authed.Store(true)
	return c.sendResponse(frame.ID, true, map[string]interface{}{
		"type":     "hello-ok",
		"protocol": protocolVersion,
		"clientId": c.id,
	}, nil)
}

func (c *Client) handleMessageSend(frame *Frame) error {
	var params messageSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Content) == "" {
		return errors.New("content is required")
	}
	if max := c.server.cfg.Gateway.MaxMessageChars; max > 0 && len(params.Content) > max {
		return fmt.Errorf("content exceeds %d chars", max)
	}

	msg := &store.Message{
		ID:      store.GenNewID(),
		TurnID:  params.TurnID,
		Role:    store.RoleUser,
		Content: params.Content,
		Metadata: store.MessageMetadata{
			Command:      params.Command,
			AllowedTools: params.AllowedTools,
		},
	}
	if params.ID != "" {
		id, err := uuid.Parse(params.ID)
		if err != nil {
			return fmt.Errorf("bad message id: %w", err)
		}
		msg.ID = id
	}
	if params.ConversationID != "" {
		convID, err := uuid.Parse(params.ConversationID)
		if err != nil {
			return fmt.Errorf("bad conversation id: %w", err)
		}
		msg.ConversationID = convID
	}

	c.server.sink.Deliver(msg)
	return c.sendResponse(frame.ID, true, map[string]interface{}{
		"status":    "accepted",
		"messageId": msg.ID.String(),
	}, nil)
}

func (c *Client) handleConversationsList(ctx context.Context, frame *Frame) error {
	convs, err := c.server.stores.Conversations.FindAll(ctx, store.ListOpts{Limit: 100})
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]interface{}{"conversations": convs}, nil)
}

func (c *Client) handleHistory(ctx context.Context, frame *Frame) error {
	var params historyParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	convID, err := uuid.Parse(params.ConversationID)
	if err != nil {
		return fmt.Errorf("bad conversation id: %w", err)
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := c.server.stores.Messages.FindByConversation(ctx, convID, store.MessageQuery{Limit: limit})
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]interface{}{"messages": msgs}, nil)
}

func (c *Client) handleRename(ctx context.Context, frame *Frame) error {
	var params renameParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	convID, err := uuid.Parse(params.ConversationID)
	if err != nil {
		return fmt.Errorf("bad conversation id: %w", err)
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return errors.New("title is required")
	}

	conv, err := c.server.stores.Conversations.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if conv.WellKnown {
		return errors.New("well-known conversations cannot be renamed")
	}

	manual := true
	if err := c.server.stores.Conversations.Update(ctx, convID, store.ConversationPatch{
		Title:         &title,
		ManuallyNamed: &manual,
	}); err != nil {
		return err
	}
	c.server.events.Broadcast(bus.Event{Name: bus.EventConversationUpdated, Payload: map[string]interface{}{
		"conversationId": convID.String(),
		"title":          title,
	}})
	return c.sendResponse(frame.ID, true, map[string]interface{}{"status": "renamed"}, nil)
}

func (c *Client) handleDelete(ctx context.Context, frame *Frame) error {
	var params deleteParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	convID, err := uuid.Parse(params.ConversationID)
	if err != nil {
		return fmt.Errorf("bad conversation id: %w", err)
	}
	if err := c.server.stores.Conversations.SoftDelete(ctx, convID); err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]interface{}{"status": "deleted"}, nil)
}

func (c *Client) handleSignalsPoll(ctx context.Context, frame *Frame) error {
	var params signalsPollParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	sigs, err := c.server.stores.Signals.ListAfter(ctx, params.Watermark, params.Limit)
	if err != nil {
		return err
	}
	watermark := params.Watermark
	if n := len(sigs); n > 0 {
		watermark = sigs[n-1].Seq
	}
	return c.sendResponse(frame.ID, true, map[string]interface{}{
		"signals":   sigs,
		"watermark": watermark,
	}, nil)
}

// SendEvent forwards a bus event to the peer. Slow clients drop events
// rather than stalling the broadcaster.
func (c *Client) SendEvent(event bus.Event) {
	seq := atomic.AddInt64(&c.seq, 1)
	c.enqueue(Frame{
		Type:    "event",
		Event:   event.Name,
		Payload: event.Payload,
		Seq:     &seq,
	})
}

func (c *Client) sendResponse(id string, ok bool, payload interface{}, ferr *FrameError) error {
	return c.enqueue(Frame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   ferr,
	})
}

func (c *Client) sendError(id, code, message string) {
	c.sendResponse(id, false, nil, &FrameError{Code: code, Message: message})
}

func (c *Client) enqueue(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}
