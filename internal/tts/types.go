package tts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/segment"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Format describes the PCM produced by a synthesizer.
type Format struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
}

// FrameSize is the byte length of 10 ms of audio in this format.
func (f Format) FrameSize() int {
	return segment.FrameSize(f.SampleRate, f.BytesPerSample, f.Channels)
}

// BytesPerMillisecond reports how many PCM bytes one millisecond of audio takes.
func (f Format) BytesPerMillisecond() float64 {
	return float64(f.SampleRate*f.BytesPerSample*f.Channels) / 1000
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RequestID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data. Chunk boundaries carry no meaning.
type SynthChunk struct {
	PCM   []byte
	Final bool
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends; at most one error is delivered.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	format := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BytesPerSample: cfg.BytesPerSample}
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(format, time.Duration(cfg.ChunkDurationMS)*time.Millisecond/10), nil
	case "exec":
		return NewExecSynth(cfg.Command, format)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.APIKey, format)
	case "websocket":
		return NewWebsocketSynth(cfg.Endpoint, cfg.APIKey, format)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// send delivers v unless ctx ends first.
func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func tracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.URL.Path
		}),
	)}
}
