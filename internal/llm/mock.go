package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator echoes the prompt back one word at a time.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator(delay time.Duration) Generator { return &mockGenerator{delay: delay} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.SplitAfter(strings.TrimSpace(req.Prompt), " ")
	for i, word := range words {
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		}
		if err := consumer(Chunk{Content: word, Done: i == len(words)-1}); err != nil {
			return err
		}
	}
	return nil
}
