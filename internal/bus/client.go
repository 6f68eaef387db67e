package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection with the few helpers services share.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-stream"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Flush sends a flush command to subject and waits for the acknowledgement.
func (c *Client) Flush(ctx context.Context, subject string) (protocol.CommandResult, error) {
	data, err := json.Marshal(protocol.Command{Name: protocol.CommandFlush, Timestamp: time.Now().UTC()})
	if err != nil {
		return protocol.CommandResult{}, err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return protocol.CommandResult{}, fmt.Errorf("flush %s: %w", subject, err)
	}
	var result protocol.CommandResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return protocol.CommandResult{}, fmt.Errorf("decode flush result: %w", err)
	}
	return result, nil
}

// CallChat sends text to the LLM and returns the stream of results answering
// it. The channel closes after the terminal result or when ctx ends.
func (c *Client) CallChat(ctx context.Context, text string) (<-chan protocol.CallResult, error) {
	data, err := json.Marshal(protocol.CallChat{Text: text})
	if err != nil {
		return nil, err
	}
	inbox := nats.NewInbox()
	msgs := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanSubscribe(inbox, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe call inbox: %w", err)
	}
	if err := c.conn.PublishRequest(protocol.SubjectLLMCallChat, inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publish call_chat: %w", err)
	}

	results := make(chan protocol.CallResult)
	go func() {
		defer close(results)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var result protocol.CallResult
				if err := json.Unmarshal(msg.Data, &result); err != nil {
					c.log.Warn("failed to decode call result", slog.String("error", err.Error()))
					continue
				}
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
				if result.Final {
					return
				}
			}
		}
	}()
	return results, nil
}
