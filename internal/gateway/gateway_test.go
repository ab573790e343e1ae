package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/config"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/store/memory"
)

type gatewayFixture struct {
	t         *testing.T
	addr      string
	cfg       *config.Config
	stores    *store.Stores
	delivered chan *store.Message
}

func startGateway(t *testing.T, mutate func(cfg *config.Config)) *gatewayFixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	stores := memory.NewStores()
	msgBus := bus.NewMessageBus()
	sink := channel.NewBusSink(msgBus, 0)

	delivered := make(chan *store.Message, 8)
	sink.OnMessage(func(msg *store.Message) { delivered <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sink.Run(ctx)

	srv := NewServer(cfg, msgBus, sink, stores)
	addr, start := StartTestServer(srv, ctx)
	go start()

	return &gatewayFixture{t: t, addr: addr, cfg: cfg, stores: stores, delivered: delivered}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func (f *gatewayFixture) dial() *wsClient {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+f.addr+"/ws", nil)
	if err != nil {
		f.t.Fatalf("dial: %v", err)
	}
	f.t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: f.t, conn: conn}
}

// request sends one req frame and waits for its response, skipping any event
// frames interleaved on the feed.
func (c *wsClient) request(method string, params interface{}) Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.next++
	id := fmt.Sprintf("r%d", c.next)

	frame := map[string]interface{}{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		var res Frame
		if err := json.Unmarshal(raw, &res); err != nil {
			c.t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if res.Type == "event" {
			continue
		}
		if res.ID != id {
			continue
		}
		return res
	}
}

func (c *wsClient) mustOK(method string, params interface{}) map[string]interface{} {
	c.t.Helper()
	res := c.request(method, params)
	if res.OK == nil || !*res.OK {
		c.t.Fatalf("%s failed: %+v", method, res.Error)
	}
	payload, _ := res.Payload.(map[string]interface{})
	return payload
}

func (c *wsClient) mustFail(method string, params interface{}) *FrameError {
	c.t.Helper()
	res := c.request(method, params)
	if res.OK != nil && *res.OK {
		c.t.Fatalf("%s unexpectedly succeeded: %+v", method, res.Payload)
	}
	return res.Error
}

func TestOpenModeSkipsHandshake(t *testing.T) {
	f := startGateway(t, nil)
	c := f.dial()

	payload := c.mustOK("ping", nil)
	if payload["timestamp"] == nil {
		t.Fatalf("ping payload = %+v", payload)
	}
}

func TestTokenHandshake(t *testing.T) {
	f := startGateway(t, func(cfg *config.Config) { cfg.Gateway.Token = "secret" })

	t.Run("requests before connect rejected", func(t *testing.T) {
		c := f.dial()
		ferr := c.mustFail("ping", nil)
		if ferr == nil || ferr.Code != "handshake_required" {
			t.Fatalf("error = %+v", ferr)
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		c := f.dial()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		data, _ := json.Marshal(map[string]interface{}{
			"type": "req", "id": "r1", "method": "connect",
			"params": map[string]string{"token": "nope"},
		})
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}

		// The server sends an unauthorized error and closes the socket; the
		// close can win the race, so accept either observation.
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("read: %v", err)
			}
			return
		}
		var res Frame
		if uerr := json.Unmarshal(raw, &res); uerr != nil {
			t.Fatalf("unmarshal %s: %v", raw, uerr)
		}
		if res.Error == nil || res.Error.Code != "unauthorized" {
			t.Fatalf("error = %+v", res.Error)
		}
	})

	t.Run("right token admits", func(t *testing.T) {
		c := f.dial()
		payload := c.mustOK("connect", map[string]string{"token": "secret"})
		if payload["type"] != "hello-ok" {
			t.Fatalf("payload = %+v", payload)
		}
		if payload["protocol"] != float64(protocolVersion) {
			t.Errorf("protocol = %v", payload["protocol"])
		}
		c.mustOK("ping", nil)
	})
}

func TestMessageSendDelivers(t *testing.T) {
	f := startGateway(t, nil)
	c := f.dial()

	payload := c.mustOK("message.send", map[string]interface{}{
		"content":      "hello kernel",
		"command":      "research",
		"allowedTools": []string{"web_*"},
	})
	if payload["status"] != "accepted" {
		t.Fatalf("payload = %+v", payload)
	}

	select {
	case msg := <-f.delivered:
		if msg.Content != "hello kernel" || msg.Role != store.RoleUser {
			t.Fatalf("delivered %+v", msg)
		}
		if msg.Metadata.Command != "research" {
			t.Errorf("command = %q", msg.Metadata.Command)
		}
		if len(msg.Metadata.AllowedTools) != 1 || msg.Metadata.AllowedTools[0] != "web_*" {
			t.Errorf("allowed tools = %v", msg.Metadata.AllowedTools)
		}
		if msg.ID.String() != payload["messageId"] {
			t.Errorf("accepted id %v does not match delivered %s", payload["messageId"], msg.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the sink handler")
	}
}

func TestMessageSendValidation(t *testing.T) {
	f := startGateway(t, func(cfg *config.Config) { cfg.Gateway.MaxMessageChars = 10 })
	c := f.dial()

	ferr := c.mustFail("message.send", map[string]interface{}{"content": "   "})
	if ferr == nil || !strings.Contains(ferr.Message, "content is required") {
		t.Fatalf("blank content error = %+v", ferr)
	}

	ferr = c.mustFail("message.send", map[string]interface{}{"content": "this is far too long"})
	if ferr == nil || !strings.Contains(ferr.Message, "exceeds") {
		t.Fatalf("oversize error = %+v", ferr)
	}
}

func TestConversationLifecycleMethods(t *testing.T) {
	f := startGateway(t, nil)
	c := f.dial()

	conv := &store.Conversation{ID: store.GenNewID(), Title: "original"}
	if err := f.stores.Conversations.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	row := &store.Message{ID: store.GenNewID(), ConversationID: conv.ID, Role: store.RoleUser, Content: "q"}
	if err := f.stores.Messages.Create(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	t.Run("list", func(t *testing.T) {
		payload := c.mustOK("conversations.list", nil)
		convs, _ := payload["conversations"].([]interface{})
		if len(convs) != 1 {
			t.Fatalf("conversations = %+v", payload)
		}
	})

	t.Run("history", func(t *testing.T) {
		payload := c.mustOK("conversation.history", map[string]interface{}{
			"conversationId": conv.ID.String(),
		})
		msgs, _ := payload["messages"].([]interface{})
		if len(msgs) != 1 {
			t.Fatalf("messages = %+v", payload)
		}
	})

	t.Run("rename", func(t *testing.T) {
		c.mustOK("conversation.rename", map[string]interface{}{
			"conversationId": conv.ID.String(),
			"title":          "renamed",
		})
		after, err := f.stores.Conversations.FindByID(context.Background(), conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if after.Title != "renamed" || !after.ManuallyNamed {
			t.Fatalf("conversation after rename: %+v", after)
		}
	})

	t.Run("rename well-known rejected", func(t *testing.T) {
		wk := &store.Conversation{ID: store.GenNewID(), Title: "tasks", WellKnown: true}
		if err := f.stores.Conversations.Create(context.Background(), wk); err != nil {
			t.Fatal(err)
		}
		ferr := c.mustFail("conversation.rename", map[string]interface{}{
			"conversationId": wk.ID.String(),
			"title":          "nope",
		})
		if ferr == nil || !strings.Contains(ferr.Message, "well-known") {
			t.Fatalf("error = %+v", ferr)
		}
	})

	t.Run("delete", func(t *testing.T) {
		c.mustOK("conversation.delete", map[string]interface{}{
			"conversationId": conv.ID.String(),
		})
		if _, err := f.stores.Conversations.FindByID(context.Background(), conv.ID); err != store.ErrNotFound {
			t.Fatalf("deleted conversation still visible: %v", err)
		}
	})
}

func TestSignalsPoll(t *testing.T) {
	f := startGateway(t, nil)
	c := f.dial()

	convID := store.GenNewID()
	for i := 0; i < 3; i++ {
		if _, err := f.stores.Signals.Append(context.Background(), &store.Signal{
			ConversationID: convID,
			Kind:           "notify",
			Payload:        fmt.Sprintf("s%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	payload := c.mustOK("signals.poll", map[string]interface{}{"watermark": 0})
	sigs, _ := payload["signals"].([]interface{})
	if len(sigs) != 3 {
		t.Fatalf("signals = %+v", payload)
	}
	if payload["watermark"] != float64(3) {
		t.Fatalf("watermark = %v", payload["watermark"])
	}

	payload = c.mustOK("signals.poll", map[string]interface{}{"watermark": 3})
	if sigs, _ := payload["signals"].([]interface{}); len(sigs) != 0 {
		t.Fatalf("signals after watermark = %+v", sigs)
	}
	if payload["watermark"] != float64(3) {
		t.Fatalf("watermark moved backwards: %v", payload["watermark"])
	}
}

func TestUnknownMethod(t *testing.T) {
	f := startGateway(t, nil)
	c := f.dial()

	ferr := c.mustFail("no.such.method", nil)
	if ferr == nil || !strings.Contains(ferr.Message, "unknown method") {
		t.Fatalf("error = %+v", ferr)
	}
}
