// Package gateway exposes the pipeline to browsers over a WebSocket: typed
// prompts and flushes go onto the bus, sentences and captions come back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	maxFrameBytes = 64 * 1024
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

// Envelope types.
const (
	TypeText    = "text"
	TypeFlush   = "flush"
	TypeCaption = "caption"
	TypeReady   = "ready"
	TypeError   = "error"
)

// Envelope is the JSON message exchanged with clients.
type Envelope struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	StreamID  string            `json:"stream_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Final     bool              `json:"final,omitempty"`
	Caption   *protocol.Caption `json:"caption,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type Gateway struct {
	cfg    config.GatewayConfig
	bus    *bus.Client
	logger *slog.Logger
	active atomic.Int64
}

func New(cfg config.GatewayConfig, busClient *bus.Client, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// Active reports the number of connected clients.
func (g *Gateway) Active() int64 {
	return g.active.Load()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.AllowedOrigins})
	if err != nil {
		g.logger.Info("websocket accept failed", slogError(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	g.active.Add(1)
	defer g.active.Add(-1)

	session := uuid.NewString()
	log := g.logger.With(slog.String("session_id", session))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan *nats.Msg, sendQueueSize)
	var subs []*nats.Subscription
	for _, subject := range []string{protocol.SubjectLLMOutput, protocol.SubjectCaptions} {
		sub, err := g.bus.Conn().ChanSubscribe(subject, outbound)
		if err != nil {
			log.Warn("gateway subscribe failed", slogError(err))
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	// Subscriptions must be registered before the client is told it can speak.
	if err := g.bus.Conn().FlushWithContext(ctx); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bus unavailable")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		if err := write(ctx, conn, Envelope{Type: TypeReady, StreamID: session}); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				env, ok := envelopeFor(msg)
				if !ok {
					continue
				}
				if err := write(ctx, conn, env); err != nil {
					log.Debug("websocket write failed", slogError(err))
					return
				}
			}
		}
	}()

	log.Info("gateway client connected")
	g.readLoop(ctx, conn, session, log)
	cancel()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	log.Info("gateway client disconnected")
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, session string, log *slog.Logger) {
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read failed", slogError(err))
			}
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reject(ctx, conn, "invalid JSON")
			continue
		}
		if err := g.dispatch(env, session); err != nil {
			g.reject(ctx, conn, err.Error())
		}
	}
}

func (g *Gateway) dispatch(env Envelope, session string) error {
	switch env.Type {
	case TypeText:
		text := strings.TrimSpace(env.Text)
		if text == "" {
			return errors.New("empty text")
		}
		return g.bus.PublishJSON(protocol.SubjectLLMText, protocol.TextData{
			Text:      text,
			IsFinal:   true,
			StreamID:  session,
			Timestamp: time.Now().UTC(),
		})
	case TypeFlush:
		return g.bus.PublishJSON(protocol.SubjectLLMFlush, protocol.Command{Name: protocol.CommandFlush, Timestamp: time.Now().UTC()})
	default:
		return fmt.Errorf("unsupported type %q", env.Type)
	}
}

func (g *Gateway) reject(ctx context.Context, conn *websocket.Conn, reason string) {
	if err := write(ctx, conn, Envelope{Type: TypeError, Error: reason}); err != nil {
		g.logger.Debug("failed to send error", slogError(err))
	}
}

func envelopeFor(msg *nats.Msg) (Envelope, bool) {
	switch msg.Subject {
	case protocol.SubjectLLMOutput:
		var td protocol.TextData
		if err := json.Unmarshal(msg.Data, &td); err != nil {
			return Envelope{}, false
		}
		return Envelope{Type: TypeText, Text: td.Text, StreamID: td.StreamID, RequestID: td.RequestID, Final: td.EndOfSegment}, true
	case protocol.SubjectCaptions:
		var c protocol.Caption
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return Envelope{}, false
		}
		return Envelope{Type: TypeCaption, StreamID: c.StreamID, Final: c.Final, Caption: &c}, true
	}
	return Envelope{}, false
}

func write(parent context.Context, conn *websocket.Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
