package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/history"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Request describes a language model prompt.
type Request struct {
	RequestID   string
	Prompt      string
	System      string
	History     []history.Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Messages flattens the request into the chat transcript sent to a backend:
// system prompt, prior turns, then the new user prompt.
func (r Request) Messages() []history.Message {
	msgs := make([]history.Message, 0, len(r.History)+2)
	if r.System != "" {
		msgs = append(msgs, history.Message{Role: history.RoleSystem, Content: r.System})
	}
	msgs = append(msgs, r.History...)
	return append(msgs, history.Message{Role: history.RoleUser, Content: r.Prompt})
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(20 * time.Millisecond), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model)
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

func tracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.URL.Path
		}),
	)}
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request, consumer func(Chunk) error) error

func (f GeneratorFunc) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	return f(ctx, req, consumer)
}
