package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// Deepgram speak protocol messages.
var (
	flushMsg = speakControl{Type: "Flush"}
	closeMsg = speakControl{Type: "Close"}
)

type speakControl struct {
	Type string `json:"type"`
}

type speakText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type speakEvent struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	ErrMsg      string `json:"err_msg"`
}

type websocketSynth struct {
	endpoint *url.URL
	apiKey   string
	format   Format
	dialer   *websocket.Dialer
}

// NewWebsocketSynth speaks the Deepgram streaming TTS protocol: one socket per
// request, Speak then Flush, binary linear16 frames until Flushed.
func NewWebsocketSynth(endpoint, apiKey string, format Format) (Synthesizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("tts websocket: api key is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("tts websocket: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("tts websocket: unsupported scheme %q", u.Scheme)
	}
	return &websocketSynth{endpoint: u, apiKey: apiKey, format: format, dialer: websocket.DefaultDialer}, nil
}

func (w *websocketSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := w.speak(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (w *websocketSynth) url(voice string) string {
	u := *w.endpoint
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(w.format.SampleRate))
	q.Set("container", "none")
	if voice != "" {
		q.Set("model", voice)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *websocketSynth) speak(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url(req.Voice), http.Header{"Authorization": {"token " + w.apiKey}})
	if err != nil {
		return fmt.Errorf("open tts socket: %w", err)
	}
	defer conn.Close()
	// Closing the socket unblocks ReadMessage when the request is abandoned.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(speakText{Type: "Speak", Text: req.Text}); err != nil {
		return fmt.Errorf("send speak: %w", err)
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return fmt.Errorf("send flush: %w", err)
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read tts socket: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			if !send(ctx, chunks, SynthChunk{PCM: msg}) {
				return ctx.Err()
			}
		case websocket.TextMessage:
			var evt speakEvent
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "Flushed":
				_ = conn.WriteJSON(closeMsg)
				return nil
			case "Error":
				detail := evt.Description
				if detail == "" {
					detail = evt.ErrMsg
				}
				return fmt.Errorf("tts socket error: %s", detail)
			}
		}
	}
}
