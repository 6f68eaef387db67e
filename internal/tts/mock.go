package tts

import (
	"context"
	"strings"
	"time"
)

// mockWordDuration is how much silence the mock produces per word.
const mockWordDuration = 100 * time.Millisecond

type mockSynth struct {
	format Format
	delay  time.Duration
}

// NewMockSynth returns a synthesizer that renders every word as 100 ms of
// silence, pausing delay between words.
func NewMockSynth(format Format, delay time.Duration) Synthesizer {
	return &mockSynth{format: format, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := strings.Fields(req.Text)
		size := int(m.format.BytesPerMillisecond() * float64(mockWordDuration/time.Millisecond))
		if size <= 0 {
			size = 1
		}
		for i := range words {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.delay):
				}
			}
			if !send(ctx, chunks, SynthChunk{PCM: make([]byte, size), Final: i == len(words)-1}) {
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
