package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd    []string
	format Format
	mu     sync.Mutex
}

type execRequest struct {
	Text           string `json:"text"`
	Voice          string `json:"voice"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	BytesPerSample int    `json:"bytes_per_sample"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// NewExecSynth runs command once per request. The request is written to its
// stdin as JSON and audio is read back as newline-delimited JSON carrying
// base64 PCM.
func NewExecSynth(command string, format Format) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, format: format}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	data, err := json.Marshal(execRequest{
		Text:           req.Text,
		Voice:          req.Voice,
		SampleRate:     e.format.SampleRate,
		Channels:       e.format.Channels,
		BytesPerSample: e.format.BytesPerSample,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("write tts request: %w", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode tts output: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return fmt.Errorf("tts command: %s", resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode tts pcm: %w", err)
		}
		if !send(ctx, chunks, SynthChunk{PCM: pcm, Final: resp.Final}) {
			_ = cmd.Wait()
			return ctx.Err()
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tts command failed: %w", err)
	}
	return scanner.Err()
}
