package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer reports how much audio it was given instead of words.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	ms := 0
	if bytesPerMS := sampleRate * channels * 2 / 1000; bytesPerMS > 0 {
		ms = len(pcm) / bytesPerMS
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{Text: fmt.Sprintf("[%s utterance %d ms]", mode, ms)}, nil
}
