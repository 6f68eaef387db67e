package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// httpReadSize bounds a single body read; chunk boundaries are regrouped into
// frames downstream.
const httpReadSize = 8 * 1024

type httpSynth struct {
	endpoint string
	apiKey   string
	format   Format
	client   *http.Client
}

type httpRequest struct {
	Text string `json:"text"`
}

// NewHTTPSynth streams raw PCM from an ElevenLabs style endpoint:
// POST {endpoint}/v1/text-to-speech/{voice}/stream?output_format=pcm_{rate}.
func NewHTTPSynth(endpoint, apiKey string, format Format) (Synthesizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("tts http: api key is required")
	}
	if endpoint == "" {
		return nil, errors.New("tts http: endpoint is required")
	}
	return &httpSynth{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		format:   format,
		client:   tracedClient(),
	}, nil
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := h.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (h *httpSynth) stream(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	body, err := json.Marshal(httpRequest{Text: req.Text})
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("output_format", "pcm_"+strconv.Itoa(h.format.SampleRate))
	target := h.endpoint + "/v1/text-to-speech/" + url.PathEscape(req.Voice) + "/stream?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("xi-api-key", h.apiKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("tts request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	buf := make([]byte, httpReadSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			pcm := append([]byte(nil), buf[:n]...)
			if !send(ctx, chunks, SynthChunk{PCM: pcm}) {
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tts stream: %w", err)
		}
	}
}
