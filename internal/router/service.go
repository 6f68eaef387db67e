package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Service wires the pipeline stages together: final transcripts become LLM
// prompts, LLM sentences and flushes become TTS input, and both sides are
// captioned.
type Service struct {
	cfg            config.RouterConfig
	bus            *bus.Client
	captions       *transcript.Assembler
	logger         *slog.Logger
	subTranscripts *nats.Subscription
	subLLM         *nats.Subscription
	interrupts     atomic.Int64
}

func NewService(cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		captions: transcript.NewAssembler(),
		logger:   logger.With(slog.String("component", "router")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSTTText, s.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.subTranscripts = sub

	// One subscription for the whole llm.out tree keeps sentences and
	// flushes in the order the LLM published them.
	subLLM, err := s.bus.Conn().Subscribe(protocol.SubjectLLMOutputAll, s.handleLLMOutput)
	if err != nil {
		_ = s.subTranscripts.Drain()
		return fmt.Errorf("subscribe llm output: %w", err)
	}
	s.subLLM = subLLM
	return nil
}

func (s *Service) Close() {
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	if s.subLLM != nil {
		_ = s.subLLM.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subTranscripts != nil && s.subLLM != nil)
}

// Interrupts reports how many flushes the router has issued.
func (s *Service) Interrupts() int64 {
	return s.interrupts.Load()
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var td protocol.TextData
	if err := json.Unmarshal(msg.Data, &td); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	text := strings.TrimSpace(td.Text)
	if text == "" {
		return
	}
	if s.cfg.Captions {
		s.publishCaption(s.captions.Replace(td.StreamID, transcript.RoleUser, text, td.IsFinal))
	}
	if !td.IsFinal {
		return
	}

	// The flush has to reach the LLM before the new prompt so the prompt is
	// stamped after the cutoff.
	if s.cfg.InterruptOnFinal {
		if err := s.bus.PublishJSON(protocol.SubjectLLMFlush, protocol.Command{Name: protocol.CommandFlush, Timestamp: time.Now().UTC()}); err != nil {
			s.logger.Warn("router failed to interrupt llm", slogError(err))
		} else {
			s.interrupts.Add(1)
		}
		if s.cfg.Captions {
			for _, c := range s.captions.Interrupt(transcript.RoleAssistant) {
				s.publishCaption(c)
			}
		}
	}
	prompt := protocol.TextData{
		Text:      text,
		IsFinal:   true,
		StreamID:  td.StreamID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMText, prompt); err != nil {
		s.logger.Warn("router failed to publish prompt", slogError(err))
	}
}

func (s *Service) handleLLMOutput(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectLLMOutput:
		s.handleLLMText(msg)
	case protocol.SubjectLLMOutputFlush:
		s.handleLLMFlush(msg)
	default:
		s.logger.Debug("ignoring llm output", slog.String("subject", msg.Subject))
	}
}

// handleLLMFlush resets TTS after every sentence the LLM produced before the
// flush has been forwarded.
func (s *Service) handleLLMFlush(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.Name == "" {
		cmd = protocol.Command{Name: protocol.CommandFlush, Timestamp: time.Now().UTC()}
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSFlush, cmd); err != nil {
		s.logger.Warn("router failed to flush tts", slogError(err))
	}
	if s.cfg.Captions {
		for _, c := range s.captions.Interrupt(transcript.RoleAssistant) {
			s.publishCaption(c)
		}
	}
}

func (s *Service) handleLLMText(msg *nats.Msg) {
	var td protocol.TextData
	if err := json.Unmarshal(msg.Data, &td); err != nil {
		s.logger.Warn("router failed to decode llm text", slogError(err))
		return
	}
	if s.cfg.Captions && (td.Text != "" || td.EndOfSegment) {
		s.publishCaption(s.captions.Append(td.StreamID, transcript.RoleAssistant, td.Text, td.EndOfSegment))
	}
	if td.Text == "" {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSText, td); err != nil {
		s.logger.Warn("router failed to publish tts text", slogError(err))
	}
}

func (s *Service) publishCaption(c protocol.Caption) {
	if err := s.bus.PublishJSON(protocol.SubjectCaptions, c); err != nil {
		s.logger.Warn("router failed to publish caption", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
