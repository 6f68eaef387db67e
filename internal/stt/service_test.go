package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/bus/bustest"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

type blockingRecognizer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, _ bool) (TranscriptResult, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return TranscriptResult{Text: "done"}, nil
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}
}

func startService(t *testing.T, client *bus.Client, cfg config.STTConfig, rec Recognizer) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1000
		cfg.Channels = 1
	}
	svc := NewService(context.Background(), cfg, client, rec, nil, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func transcripts(t *testing.T, client *bus.Client) chan *nats.Msg {
	t.Helper()
	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSTTText, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return msgs
}

func publishFrame(t *testing.T, client *bus.Client, session string, pcm []byte, final bool) {
	t.Helper()
	frame := protocol.AudioFrame{SessionID: session, PCM: pcm, Final: final}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+"."+session, frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func nextTranscript(t *testing.T, msgs chan *nats.Msg) protocol.TextData {
	t.Helper()
	select {
	case msg := <-msgs:
		var td protocol.TextData
		if err := json.Unmarshal(msg.Data, &td); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return td
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	return protocol.TextData{}
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	client := bustest.Connect(t)
	out := transcripts(t, client)
	startService(t, client, config.STTConfig{}, NewMockRecognizer())

	publishFrame(t, client, "kitchen", make([]byte, 400), false)
	publishFrame(t, client, "kitchen", make([]byte, 600), true)

	td := nextTranscript(t, out)
	if !td.IsFinal || !td.EndOfSegment || td.StreamID != "kitchen" {
		t.Fatalf("unexpected transcript %+v", td)
	}
	if td.Text != "[final utterance 500 ms]" {
		t.Fatalf("utterance should span both frames, got %q", td.Text)
	}
}

func TestServicePublishesInterimByAudioDuration(t *testing.T) {
	client := bustest.Connect(t)
	out := transcripts(t, client)
	startService(t, client, config.STTConfig{PublishInterim: true, PartialEveryMS: 100}, NewMockRecognizer())

	publishFrame(t, client, "desk", make([]byte, 100), false)
	publishFrame(t, client, "desk", make([]byte, 100), false)

	td := nextTranscript(t, out)
	if td.IsFinal || td.Text != "[partial utterance 100 ms]" {
		t.Fatalf("unexpected interim %+v", td)
	}
}

func TestServiceDropsOldestFrameWhenBehind(t *testing.T) {
	client := bustest.Connect(t)
	rec := &blockingRecognizer{entered: make(chan struct{}, 8), release: make(chan struct{})}
	svc := startService(t, client, config.STTConfig{QueueCapacity: 2}, rec)

	publishFrame(t, client, "a", []byte{0, 0}, true)
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer not called")
	}
	for i := 0; i < 5; i++ {
		publishFrame(t, client, "b", []byte{0, 0}, false)
	}
	deadline := time.Now().Add(2 * time.Second)
	for svc.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := svc.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped frames, got %d", got)
	}
	close(rec.release)
}

func TestExecRecognizerPassesWav(t *testing.T) {
	rec, err := NewExecRecognizer(config.STTConfig{
		Command: `sh -c 'test -s "$2" && echo "{\"text\":\" hello there \",\"confidence\":0.9}"' stt`,
	})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	result, err := rec.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hello there" || result.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecRecognizerReportsFailure(t *testing.T) {
	rec, err := NewExecRecognizer(config.STTConfig{Command: `sh -c 'echo boom >&2; exit 3'`})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	_, err = rec.Transcribe(context.Background(), make([]byte, 4), 16000, 1, true)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestWriteWavRoundTrip(t *testing.T) {
	pcm := make([]byte, 8)
	for i, v := range []int16{0, 1200, -1200, 32767} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeWav(f, pcm, 8000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 {
		t.Fatalf("unexpected header rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
	want := []int{0, 1200, -1200, 32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], buf.Data[i])
		}
	}

	if err := writeWav(f, []byte{1}, 8000, 1); err == nil {
		t.Fatal("odd-length pcm should be rejected")
	}
}

func TestNewRecognizerModes(t *testing.T) {
	if _, err := NewRecognizer(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("exec without command should fail")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "whisper-cloud"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
