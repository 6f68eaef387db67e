package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/loqalabs/loqa-stream/internal/coordinator"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)

type instruments struct {
	name     attribute.KeyValue
	requests metric.Int64Counter
	units    metric.Int64Counter
	flushes  metric.Int64Counter
	drained  metric.Int64Counter
	overflow metric.Int64Counter
}

// newInstruments never fails: a counter that cannot be created falls back to
// a no-op so the worker does not have to care.
func newInstruments(name string) *instruments {
	return &instruments{
		name:     attribute.String("coordinator", name),
		requests: counter("loqa.coordinator.requests", "Requests finished, by outcome"),
		units:    counter("loqa.coordinator.units", "Units emitted downstream"),
		flushes:  counter("loqa.coordinator.flushes", "Flush commands handled"),
		drained:  counter("loqa.coordinator.drained", "Queued requests discarded by flush"),
		overflow: counter("loqa.coordinator.overflow", "Requests evicted or rejected by a full queue"),
	}
}

func counter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func (i *instruments) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(append([]attribute.KeyValue{i.name}, attrs...)...))
}

func (i *instruments) outcome(ctx context.Context, outcome string) {
	i.add(ctx, i.requests, 1, attribute.String("outcome", outcome))
}
