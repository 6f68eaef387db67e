package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/coordinator"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service buffers inbound audio frames per session and publishes transcripts
// on stt.out.text. Frames pass through a bounded queue that drops the oldest
// frame when recognition falls behind.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	events     eventstore.Recorder
	frames     *coordinator.Queue[protocol.AudioFrame]
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ready      atomic.Bool
	dropped    atomic.Int64
	logger     *slog.Logger

	// utterances is owned by the worker goroutine.
	utterances map[string]*utterance
}

type utterance struct {
	pcm []byte
	// samples per channel received since the last interim transcript
	sinceReport int
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, events eventstore.Recorder, log *slog.Logger) *Service {
	if events == nil {
		events = eventstore.Discard
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		events:     events,
		frames:     coordinator.NewQueue[protocol.AudioFrame](coordinator.QueueConfig{Capacity: cfg.QueueCapacity, Overflow: coordinator.DropOldest}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "stt-service")),
		utterances: make(map[string]*utterance),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.wg.Add(1)
	go s.run()
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.frames.Close()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// Dropped reports how many frames were discarded because the queue was full.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	evicted, err := s.frames.Push(frame)
	if err != nil {
		if !errors.Is(err, coordinator.ErrClosed) {
			s.logger.Warn("audio frame not queued", slogError(err))
		}
		return
	}
	if evicted {
		s.dropped.Add(1)
		s.logger.Warn("stt frame queue full, dropped oldest frame",
			slog.String("session_id", frame.SessionID),
			slog.Int("capacity", s.cfg.QueueCapacity))
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		frame, err := s.frames.Pop(s.ctx)
		if err != nil {
			return
		}
		s.process(frame)
	}
}

func (s *Service) process(frame protocol.AudioFrame) {
	utt := s.utterances[frame.SessionID]
	if utt == nil {
		utt = &utterance{}
		s.utterances[frame.SessionID] = utt
	}
	sampleRate, channels := s.format(frame)
	frame.SampleRate, frame.Channels = sampleRate, channels
	utt.pcm = append(utt.pcm, frame.PCM...)
	utt.sinceReport += frame.SamplesPerChannel()

	if frame.Final {
		delete(s.utterances, frame.SessionID)
		s.transcribe(frame.SessionID, utt.pcm, sampleRate, channels, true)
		return
	}
	if !s.cfg.PublishInterim || s.cfg.PartialEveryMS <= 0 {
		return
	}
	every := sampleRate * s.cfg.PartialEveryMS / 1000
	if every > 0 && utt.sinceReport >= every {
		utt.sinceReport = 0
		s.transcribe(frame.SessionID, utt.pcm, sampleRate, channels, false)
	}
}

func (s *Service) format(frame protocol.AudioFrame) (int, int) {
	sampleRate, channels := frame.SampleRate, frame.Channels
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	return sampleRate, channels
}

func (s *Service) transcribe(sessionID string, pcm []byte, sampleRate, channels int, final bool) {
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
	if err != nil {
		s.logger.Warn("stt transcription failed", slogError(err), slog.String("session_id", sessionID), slog.Bool("final", final))
		return
	}
	if result.Text == "" {
		return
	}
	if final {
		s.logger.Info("transcript", slog.String("session_id", sessionID), slog.Duration("latency", time.Since(start)), slog.Float64("confidence", result.Confidence))
		if err := s.events.Record(s.ctx, eventstore.Event{
			Source:  "stt",
			Type:    eventstore.TypeTranscript,
			Payload: eventstore.JSON(map[string]any{"session_id": sessionID, "text": result.Text, "confidence": result.Confidence}),
		}); err != nil {
			s.logger.Debug("failed to record event", slogError(err))
		}
	}
	td := protocol.TextData{
		Text:         result.Text,
		IsFinal:      final,
		EndOfSegment: final,
		StreamID:     sessionID,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSTTText, td); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
