// Package bustest starts a throwaway NATS server for tests that need a real bus.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/natsserver"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Connect starts an ephemeral server and returns a connected client. Both are
// torn down when the test ends.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	srv, err := natsserver.StartEphemeral(Logger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return Dial(t, srv.ClientURL())
}

// Dial opens another client against url.
func Dial(t testing.TB, url string) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{url},
		ConnectTimeout: 2000,
	}, Logger())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
