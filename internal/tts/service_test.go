package tts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/bus/bustest"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

// fixedSynth answers every request with the same chunks, optionally blocking
// after them until the request is cancelled.
type fixedSynth struct {
	chunks  [][]byte
	stall   bool
	started chan string
}

func (f *fixedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range f.chunks {
			if !send(ctx, chunks, SynthChunk{PCM: c}) {
				errs <- ctx.Err()
				return
			}
		}
		if f.started != nil {
			f.started <- req.Text
		}
		if f.stall {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func testConfig() config.TTSConfig {
	return config.TTSConfig{Enabled: true, SampleRate: 1000, Channels: 1, BytesPerSample: 2}
}

func startService(t *testing.T, client *bus.Client, synth Synthesizer) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), testConfig(), client, synth, nil, bustest.Logger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func subscribe(t *testing.T, client *bus.Client, subject string) chan *nats.Msg {
	t.Helper()
	msgs := make(chan *nats.Msg, 256)
	sub, err := client.Conn().ChanSubscribe(subject, msgs)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush subscription: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return msgs
}

func nextFrame(t *testing.T, msgs chan *nats.Msg) protocol.AudioFrame {
	t.Helper()
	select {
	case msg := <-msgs:
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audio")
	}
	return protocol.AudioFrame{}
}

func speak(t *testing.T, client *bus.Client, text string) {
	t.Helper()
	if err := client.PublishJSON(protocol.SubjectTTSText, protocol.TextData{Text: text, IsFinal: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestServiceFramesAudio(t *testing.T) {
	client := bustest.Connect(t)
	out := subscribe(t, client, protocol.SubjectTTSOutput)
	// 10 ms at 1 kHz mono 16-bit is 20 bytes.
	startService(t, client, &fixedSynth{chunks: [][]byte{make([]byte, 15), make([]byte, 35)}})

	speak(t, client, "")
	speak(t, client, "Hello there.")

	sizes := []int{20, 20, 10}
	var requestID string
	for i, size := range sizes {
		frame := nextFrame(t, out)
		if len(frame.PCM) != size {
			t.Fatalf("frame %d: expected %d bytes, got %d", i, size, len(frame.PCM))
		}
		if frame.Sequence != i {
			t.Fatalf("frame %d: unexpected sequence %d", i, frame.Sequence)
		}
		if frame.Final != (i == len(sizes)-1) {
			t.Fatalf("frame %d: final=%v", i, frame.Final)
		}
		if frame.SampleRate != 1000 || frame.Channels != 1 || frame.BytesPerSample != 2 {
			t.Fatalf("unexpected format %+v", frame)
		}
		if i == 0 {
			requestID = frame.RequestID
		} else if frame.RequestID != requestID {
			t.Fatalf("frames of one sentence must share a request id")
		}
	}

	speak(t, client, "Again.")
	if frame := nextFrame(t, out); frame.Sequence != 0 || frame.RequestID == requestID {
		t.Fatalf("sequence must restart per request, got %+v", frame)
	}
}

func TestServiceFlushSilencesSpeech(t *testing.T) {
	client := bustest.Connect(t)
	out := subscribe(t, client, protocol.SubjectTTSOutput)
	playback := subscribe(t, client, protocol.SubjectAudioFlush)

	synth := &fixedSynth{chunks: [][]byte{make([]byte, 40)}, stall: true, started: make(chan string, 4)}
	startService(t, client, synth)

	speak(t, client, "First.")
	speak(t, client, "Second.")
	nextFrame(t, out)
	nextFrame(t, out)
	<-synth.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Flush(ctx, protocol.SubjectTTSFlush)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !result.OK || result.Name != protocol.CommandFlush {
		t.Fatalf("unexpected flush result %+v", result)
	}
	select {
	case <-playback:
	case <-time.After(2 * time.Second):
		t.Fatal("flush was not propagated to playback")
	}
	select {
	case msg := <-out:
		t.Fatalf("no audio expected after flush, got %s", msg.Data)
	case <-time.After(150 * time.Millisecond):
	}

	speak(t, client, "Third.")
	if frame := nextFrame(t, out); frame.Sequence != 0 {
		t.Fatalf("expected new request after flush, got %+v", frame)
	}
}

func TestServiceRejectsBadOverflow(t *testing.T) {
	client := bustest.Connect(t)
	cfg := testConfig()
	cfg.QueueOverflow = "spill"
	if _, err := NewService(context.Background(), cfg, client, NewMockSynth(testFormat, 0), nil, bustest.Logger()); err == nil {
		t.Fatal("expected overflow policy error")
	}
}
