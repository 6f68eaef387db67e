package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/coordinator"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/history"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/segment"
	"github.com/nats-io/nats.go"
)

// Service turns final transcripts into streamed sentences. All generation
// goes through one coordinator so replies never overlap and a flush cancels
// everything that came before it.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	history   *history.History
	events    eventstore.Recorder
	coord     *coordinator.Coordinator[string, string]
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	ready     atomic.Bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, events eventstore.Recorder, logger *slog.Logger) (*Service, error) {
	overflow, err := coordinator.ParseOverflowPolicy(cfg.QueueOverflow)
	if err != nil {
		return nil, fmt.Errorf("llm queue: %w", err)
	}
	if events == nil {
		events = eventstore.Discard
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		history:   history.New(cfg.MaxHistory),
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
	s.coord, err = coordinator.New(coordinator.Options[string, string]{
		Name:   "llm",
		Source: coordinator.SourceFunc[string](s.stream),
		Sink:   &textSink{bus: busClient},
		NewSegmenter: func(coordinator.Request) coordinator.Segmenter[string, string] {
			return segment.NewSentenceBuffer()
		},
		OnComplete: s.complete,
		OnError:    s.fail,
		Queue:      coordinator.QueueConfig{Capacity: cfg.QueueCapacity, Overflow: overflow},
		Logger:     s.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.coord.Start(s.ctx)
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMInput, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe LLM input: %w", err)
	}
	s.sub = sub
	if s.cfg.Greeting != "" {
		s.greet()
	}
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.coord.Close()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// History returns the conversation kept for prompting.
func (s *Service) History() []history.Message {
	return s.history.Snapshot()
}

func (s *Service) handleMessage(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectLLMText:
		var td protocol.TextData
		if err := json.Unmarshal(msg.Data, &td); err != nil {
			s.logger.Warn("failed to decode llm text", slogError(err))
			return
		}
		if !td.IsFinal {
			return
		}
		s.submit(td.Text, coordinator.KindData, "")
	case protocol.SubjectLLMFlush:
		s.flush(msg)
	case protocol.SubjectLLMCallChat:
		var call protocol.CallChat
		if err := json.Unmarshal(msg.Data, &call); err != nil {
			s.logger.Warn("failed to decode call_chat", slogError(err))
			s.reply(msg.Reply, protocol.CallResult{Final: true, Error: "invalid call_chat payload"})
			return
		}
		if msg.Reply == "" {
			s.logger.Warn("call_chat without reply inbox, treating as text")
			s.submit(call.Text, coordinator.KindData, "")
			return
		}
		s.submit(call.Text, coordinator.KindCall, msg.Reply)
	default:
		s.logger.Debug("ignoring llm message", slog.String("subject", msg.Subject))
	}
}

func (s *Service) submit(text string, kind coordinator.Kind, replyTo string) {
	req, err := s.coord.Submit(text, kind, replyTo)
	switch {
	case errors.Is(err, coordinator.ErrEmptyContent):
		if kind == coordinator.KindCall {
			s.reply(replyTo, protocol.CallResult{Final: true})
		}
		return
	case err != nil:
		s.logger.Warn("llm request not queued", slogError(err))
		if kind == coordinator.KindCall {
			s.reply(replyTo, protocol.CallResult{Final: true, Error: err.Error()})
		}
		return
	}
	s.record(req, eventstore.TypePrompt, map[string]string{"text": text, "kind": kind.String()})
}

func (s *Service) flush(msg *nats.Msg) {
	err := s.coord.Flush(s.ctx)
	if err != nil {
		s.logger.Warn("flush propagation failed", slogError(err))
	}
	s.record(coordinator.Request{}, eventstore.TypeFlush, map[string]uint64{"cutoff": s.coord.Cutoff()})
	if msg.Reply == "" {
		return
	}
	result := protocol.CommandResult{Name: protocol.CommandFlush, OK: true}
	if err != nil {
		result.Detail = err.Error()
	}
	data, _ := json.Marshal(result)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to acknowledge flush", slogError(err))
	}
}

func (s *Service) stream(ctx context.Context, req coordinator.Request, yield func(string) error) error {
	if s.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	genReq := Request{
		RequestID:   req.ID,
		Prompt:      req.Content,
		System:      s.cfg.SystemPrompt,
		History:     s.history.Snapshot(),
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	return s.generator.Generate(ctx, genReq, func(chunk Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		return yield(chunk.Content)
	})
}

func (s *Service) complete(ctx context.Context, req coordinator.Request, seg coordinator.Segmenter[string, string]) {
	buf, ok := seg.(interface{ Total() string })
	if !ok {
		return
	}
	reply := buf.Total()
	if strings.TrimSpace(reply) == "" {
		s.logger.Debug("empty reply kept out of history", slog.String("request_id", req.ID))
		return
	}
	s.history.Append(
		history.Message{Role: history.RoleUser, Content: req.Content},
		history.Message{Role: history.RoleAssistant, Content: reply},
	)
	s.record(req, eventstore.TypeReply, map[string]string{"text": reply})
}

func (s *Service) fail(_ context.Context, req coordinator.Request, err error) {
	if req.Kind == coordinator.KindCall {
		s.reply(req.ReplyTo, protocol.CallResult{RequestID: req.ID, Final: true, Error: err.Error()})
	}
	s.record(req, eventstore.TypeError, map[string]string{"error": err.Error()})
}

func (s *Service) greet() {
	td := protocol.TextData{
		Text:         s.cfg.Greeting,
		IsFinal:      true,
		EndOfSegment: true,
		StreamID:     "greeting",
		Timestamp:    time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMOutput, td); err != nil {
		s.logger.Warn("failed to publish greeting", slogError(err))
		return
	}
	s.history.Append(history.Message{Role: history.RoleAssistant, Content: s.cfg.Greeting})
}

func (s *Service) reply(inbox string, result protocol.CallResult) {
	if inbox == "" {
		return
	}
	if err := s.bus.PublishJSON(inbox, result); err != nil {
		s.logger.Warn("failed to reply to call_chat", slogError(err))
	}
}

func (s *Service) record(req coordinator.Request, eventType string, payload any) {
	err := s.events.Record(s.ctx, eventstore.Event{
		RequestID: req.ID,
		Source:    "llm",
		Type:      eventType,
		Payload:   eventstore.JSON(payload),
	})
	if err != nil {
		s.logger.Debug("failed to record event", slogError(err))
	}
}

// textSink publishes sentences as data events, or streams them back to the
// caller's inbox for call_chat requests.
type textSink struct {
	bus *bus.Client
}

func (t *textSink) Emit(_ context.Context, unit coordinator.Unit[string]) error {
	req := unit.Request
	if req.Kind == coordinator.KindCall {
		return t.bus.PublishJSON(req.ReplyTo, protocol.CallResult{
			RequestID: req.ID,
			Text:      unit.Value,
			Final:     unit.EndOfSegment,
		})
	}
	return t.bus.PublishJSON(protocol.SubjectLLMOutput, protocol.TextData{
		Text:         unit.Value,
		IsFinal:      true,
		EndOfSegment: unit.EndOfSegment,
		StreamID:     req.ID,
		RequestID:    req.ID,
		Timestamp:    time.Now().UTC(),
	})
}

// Flush goes out on the same subject tree as the sentences so downstream
// stages see it after every unit emitted before it.
func (t *textSink) Flush(context.Context) error {
	return t.bus.PublishJSON(protocol.SubjectLLMOutputFlush, protocol.Command{
		Name:      protocol.CommandFlush,
		Timestamp: time.Now().UTC(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
