package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/bus/bustest"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

func dialGateway(t *testing.T) (*websocket.Conn, *bus.Client, *Gateway) {
	t.Helper()
	client := bustest.Connect(t)
	gw := New(config.GatewayConfig{Enabled: true, Path: "/ws"}, client, bustest.Logger())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	if env := readEnvelope(t, conn); env.Type != TypeReady || env.StreamID == "" {
		t.Fatalf("expected ready envelope, got %+v", env)
	}
	return conn, client, gw
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGatewayForwardsTextAndFlush(t *testing.T) {
	conn, client, gw := dialGateway(t)
	msgs := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectLLMInput, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if gw.Active() != 1 {
		t.Fatalf("expected one active client, got %d", gw.Active())
	}

	writeEnvelope(t, conn, Envelope{Type: TypeText, Text: "  hello  "})
	writeEnvelope(t, conn, Envelope{Type: TypeFlush})

	for _, want := range []string{protocol.SubjectLLMText, protocol.SubjectLLMFlush} {
		select {
		case msg := <-msgs:
			if msg.Subject != want {
				t.Fatalf("expected %s, got %s", want, msg.Subject)
			}
			if want == protocol.SubjectLLMText {
				var td protocol.TextData
				_ = json.Unmarshal(msg.Data, &td)
				if td.Text != "hello" || !td.IsFinal {
					t.Fatalf("unexpected prompt %+v", td)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestGatewayStreamsRepliesAndCaptions(t *testing.T) {
	conn, client, _ := dialGateway(t)

	if err := client.PublishJSON(protocol.SubjectLLMOutput, protocol.TextData{Text: "Hi there.", RequestID: "r1", StreamID: "r1", EndOfSegment: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != TypeText || env.Text != "Hi there." || !env.Final || env.RequestID != "r1" {
		t.Fatalf("unexpected text envelope %+v", env)
	}

	if err := client.PublishJSON(protocol.SubjectCaptions, protocol.Caption{StreamID: "mic", Role: "user", Text: "hey", Final: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env = readEnvelope(t, conn)
	if env.Type != TypeCaption || env.Caption == nil || env.Caption.Text != "hey" {
		t.Fatalf("unexpected caption envelope %+v", env)
	}
}

func TestGatewayRejectsBadInput(t *testing.T) {
	conn, _, _ := dialGateway(t)

	writeEnvelope(t, conn, Envelope{Type: "dance"})
	if env := readEnvelope(t, conn); env.Type != TypeError || !strings.Contains(env.Error, "dance") {
		t.Fatalf("expected unsupported type error, got %+v", env)
	}
	writeEnvelope(t, conn, Envelope{Type: TypeText, Text: "   "})
	if env := readEnvelope(t, conn); env.Type != TypeError {
		t.Fatalf("expected empty text error, got %+v", env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != TypeError || env.Error != "invalid JSON" {
		t.Fatalf("expected json error, got %+v", env)
	}
}
