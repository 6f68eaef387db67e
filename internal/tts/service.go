package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/coordinator"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/segment"
	"github.com/nats-io/nats.go"
)

// Service speaks sentences arriving on tts.in.text as 10 ms PCM frames. A
// flush on tts.in.flush silences everything requested before it.
type Service struct {
	cfg    config.TTSConfig
	format Format
	bus    *bus.Client
	synth  Synthesizer
	events eventstore.Recorder
	coord  *coordinator.Coordinator[[]byte, []byte]
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, events eventstore.Recorder, log *slog.Logger) (*Service, error) {
	overflow, err := coordinator.ParseOverflowPolicy(cfg.QueueOverflow)
	if err != nil {
		return nil, fmt.Errorf("tts queue: %w", err)
	}
	if events == nil {
		events = eventstore.Discard
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		format: Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BytesPerSample: cfg.BytesPerSample},
		bus:    busClient,
		synth:  synth,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
	frameSize := s.format.FrameSize()
	s.coord, err = coordinator.New(coordinator.Options[[]byte, []byte]{
		Name:   "tts",
		Source: coordinator.SourceFunc[[]byte](s.synthesize),
		Sink:   &audioSink{bus: busClient, format: s.format},
		NewSegmenter: func(coordinator.Request) coordinator.Segmenter[[]byte, []byte] {
			return segment.NewFrameSplitter(frameSize)
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
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSInput, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe tts input: %w", err)
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
	s.coord.Close()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.ready.Load() }

func (s *Service) handleMessage(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTTSText:
		var td protocol.TextData
		if err := json.Unmarshal(msg.Data, &td); err != nil {
			s.logger.Warn("failed to decode tts text", slogError(err))
			return
		}
		req, err := s.coord.Submit(td.Text, coordinator.KindData, "")
		switch {
		case errors.Is(err, coordinator.ErrEmptyContent):
			// End-of-segment markers carry no text.
			return
		case err != nil:
			s.logger.Warn("tts request not queued", slogError(err))
			return
		}
		s.logger.Debug("tts request queued", slog.String("request_id", req.ID), slog.String("source_request_id", td.RequestID))
	case protocol.SubjectTTSFlush:
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
	default:
		s.logger.Debug("ignoring tts message", slog.String("subject", msg.Subject))
	}
}

func (s *Service) synthesize(ctx context.Context, req coordinator.Request, yield func([]byte) error) error {
	if s.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{RequestID: req.ID, Text: req.Content, Voice: s.cfg.Voice})
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := yield(chunk.PCM); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) complete(_ context.Context, req coordinator.Request, seg coordinator.Segmenter[[]byte, []byte]) {
	splitter, ok := seg.(interface{ Total() int })
	if !ok {
		return
	}
	total := splitter.Total()
	var ms int64
	if bpms := s.format.BytesPerMillisecond(); bpms > 0 {
		ms = int64(float64(total) / bpms)
	}
	s.record(req, eventstore.TypeSpeech, map[string]any{"text": req.Content, "bytes": total, "duration_ms": ms})
}

func (s *Service) fail(_ context.Context, req coordinator.Request, err error) {
	s.record(req, eventstore.TypeError, map[string]string{"error": err.Error()})
}

func (s *Service) record(req coordinator.Request, eventType string, payload any) {
	err := s.events.Record(s.ctx, eventstore.Event{
		RequestID: req.ID,
		Source:    "tts",
		Type:      eventType,
		Payload:   eventstore.JSON(payload),
	})
	if err != nil {
		s.logger.Debug("failed to record event", slogError(err))
	}
}

// audioSink publishes frames on tts.out.audio. It is only called from the
// coordinator worker so the per-request sequence needs no locking.
type audioSink struct {
	bus    *bus.Client
	format Format

	request  string
	sequence int
}

func (a *audioSink) Emit(_ context.Context, unit coordinator.Unit[[]byte]) error {
	if unit.Request.ID != a.request {
		a.request = unit.Request.ID
		a.sequence = 0
	}
	frame := protocol.AudioFrame{
		RequestID:      unit.Request.ID,
		Sequence:       a.sequence,
		SampleRate:     a.format.SampleRate,
		BytesPerSample: a.format.BytesPerSample,
		Channels:       a.format.Channels,
		PCM:            unit.Value,
		Final:          unit.EndOfSegment,
	}
	a.sequence++
	return a.bus.PublishJSON(protocol.SubjectTTSOutput, frame)
}

func (a *audioSink) Flush(context.Context) error {
	return a.bus.PublishJSON(protocol.SubjectAudioFlush, protocol.Command{
		Name:      protocol.CommandFlush,
		Timestamp: time.Now().UTC(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
