package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a local command per request. The command receives the
// request as JSON on stdin and streams NDJSON lines of execResponse on stdout.
type execGenerator struct {
	cmd []string
}

type execResponse struct {
	Content          string `json:"content"`
	Done             bool   `json:"done,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"messages":    req.Messages(),
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("llm exec stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm exec command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	var consumeErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			consumeErr = fmt.Errorf("decode llm exec response: %w", err)
			break
		}
		if err := consumer(Chunk{
			Content:          resp.Content,
			Done:             resp.Done,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}); err != nil {
			consumeErr = err
			break
		}
	}
	if consumeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return consumeErr
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm exec command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("llm exec command failed: %w", err)
	}
	return nil
}
