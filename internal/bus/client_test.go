package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus/bustest"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestPublishJSON(t *testing.T) {
	client := bustest.Connect(t)
	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectLLMOutput, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	if err := client.PublishJSON(protocol.SubjectLLMOutput, protocol.TextData{Text: "hi", EndOfSegment: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-msgs:
		var td protocol.TextData
		if err := json.Unmarshal(msg.Data, &td); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if td.Text != "hi" || !td.EndOfSegment {
			t.Fatalf("unexpected payload %+v", td)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestCallChatStreamsUntilFinal(t *testing.T) {
	client := bustest.Connect(t)
	sub, err := client.Conn().Subscribe(protocol.SubjectLLMCallChat, func(msg *nats.Msg) {
		var call protocol.CallChat
		_ = json.Unmarshal(msg.Data, &call)
		for i, part := range []string{"Sure,", " " + call.Text + ".", ""} {
			data, _ := json.Marshal(protocol.CallResult{RequestID: "r1", Text: part, Final: i == 2})
			_ = msg.Respond(data)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := client.CallChat(ctx, "done")
	if err != nil {
		t.Fatalf("call chat: %v", err)
	}
	var texts []string
	var final bool
	for r := range results {
		texts = append(texts, r.Text)
		final = r.Final
	}
	if len(texts) != 3 || texts[1] != " done." {
		t.Fatalf("unexpected results %q", texts)
	}
	if !final {
		t.Fatal("stream should end on the terminal result")
	}
}

func TestCallChatStopsOnContext(t *testing.T) {
	client := bustest.Connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	results, err := client.CallChat(ctx, "nobody is listening")
	if err != nil {
		t.Fatalf("call chat: %v", err)
	}
	cancel()
	select {
	case _, ok := <-results:
		if ok {
			t.Fatal("no result expected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("results channel not closed after cancel")
	}
}

func TestFlushRoundTrip(t *testing.T) {
	client := bustest.Connect(t)
	sub, err := client.Conn().Subscribe(protocol.SubjectLLMFlush, func(msg *nats.Msg) {
		var cmd protocol.Command
		_ = json.Unmarshal(msg.Data, &cmd)
		data, _ := json.Marshal(protocol.CommandResult{Name: cmd.Name, OK: true})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Flush(ctx, protocol.SubjectLLMFlush)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !result.OK || result.Name != protocol.CommandFlush {
		t.Fatalf("unexpected result %+v", result)
	}
}
