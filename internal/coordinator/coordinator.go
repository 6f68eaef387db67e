package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStale reports that a request was overtaken by a flush. It is never
	// surfaced to callers as a failure.
	ErrStale = errors.New("request is stale")
	// ErrEmptyContent is returned by Submit for blank content. Callers treat
	// it as a no-op.
	ErrEmptyContent = errors.New("empty content")
)

// Kind selects how a request's output is delivered.
type Kind int

const (
	// KindData output is published as fire-and-forget data events.
	KindData Kind = iota
	// KindCall output is streamed back to the caller that issued the request.
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is one unit of generation work. EnqueuedAt is the logical stamp
// taken at submission and is compared against the watermark.
type Request struct {
	ID         string
	Content    string
	Kind       Kind
	ReplyTo    string
	EnqueuedAt uint64
	ReceivedAt time.Time
}

// Unit is one segment of output bound to the request that produced it.
type Unit[U any] struct {
	Request      Request
	Value        U
	EndOfSegment bool
}

// Source streams raw chunks for a request into yield. A non-nil error from
// yield must stop the stream and be returned.
type Source[C any] interface {
	Stream(ctx context.Context, req Request, yield func(C) error) error
}

// SourceFunc adapts a function to Source.
type SourceFunc[C any] func(ctx context.Context, req Request, yield func(C) error) error

func (f SourceFunc[C]) Stream(ctx context.Context, req Request, yield func(C) error) error {
	return f(ctx, req, yield)
}

// Segmenter turns raw chunks into downstream units. Flush returns whatever is
// still pending at end of stream.
type Segmenter[C, U any] interface {
	Feed(chunk C) []U
	Flush() (U, bool)
}

// Sink receives units and flush signals for the next stage of the pipeline.
type Sink[U any] interface {
	Emit(ctx context.Context, unit Unit[U]) error
	Flush(ctx context.Context) error
}

// State is the worker's position in its request loop.
type State int32

const (
	StateIdle State = iota
	StateDequeuing
	StateStreaming
	StateFlushing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDequeuing:
		return "dequeuing"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options configures a Coordinator.
type Options[C, U any] struct {
	Name         string
	Source       Source[C]
	Sink         Sink[U]
	NewSegmenter func(Request) Segmenter[C, U]
	// OnComplete runs after the terminal unit of a request that was neither
	// interrupted nor failed.
	OnComplete func(ctx context.Context, req Request, seg Segmenter[C, U])
	// OnError runs once for a request whose stream failed.
	OnError func(ctx context.Context, req Request, err error)
	Queue   QueueConfig
	// Clock may be shared between coordinators. A private clock is used when nil.
	Clock  *Clock
	Logger *slog.Logger
}

type inflight struct {
	req    Request
	cancel context.CancelFunc
}

// Coordinator runs a single worker that turns queued requests into segmented
// output while honouring flushes. Many goroutines may Submit and Flush.
type Coordinator[C, U any] struct {
	opts   Options[C, U]
	clock  *Clock
	wm     *Watermark
	queue  *Queue[Request]
	inst   *instruments
	logger *slog.Logger

	// gate orders emits against watermark advances: no emit for a stale
	// request can start after Flush has advanced the cutoff.
	gate sync.Mutex
	// admit makes stamp+push in Submit atomic with advance+drain in Flush,
	// so Drain only ever drops requests stamped before the cutoff.
	admit    sync.Mutex
	inflight atomic.Pointer[inflight]
	state    atomic.Int32

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New[C, U any](opts Options[C, U]) (*Coordinator[C, U], error) {
	if opts.Source == nil {
		return nil, errors.New("coordinator: source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("coordinator: sink is required")
	}
	if opts.NewSegmenter == nil {
		return nil, errors.New("coordinator: segmenter factory is required")
	}
	if opts.Name == "" {
		opts.Name = "coordinator"
	}
	clock := opts.Clock
	if clock == nil {
		clock = &Clock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator[C, U]{
		opts:   opts,
		clock:  clock,
		wm:     NewWatermark(clock.Now()),
		queue:  NewQueue[Request](opts.Queue),
		inst:   newInstruments(opts.Name),
		logger: logger.With(slog.String("coordinator", opts.Name)),
	}, nil
}

// Start launches the worker. Cancelling ctx aborts the in-flight request and
// stops the worker without processing the rest of the queue.
func (c *Coordinator[C, U]) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
	})
}

// Close stops accepting requests, lets the worker finish what is already
// queued and waits for it to exit.
func (c *Coordinator[C, U]) Close() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		c.wg.Wait()
		c.setState(StateTerminated)
	})
}

// Submit stamps content and queues it for the worker.
func (c *Coordinator[C, U]) Submit(content string, kind Kind, replyTo string) (Request, error) {
	if strings.TrimSpace(content) == "" {
		return Request{}, ErrEmptyContent
	}
	now := time.Now()
	req := Request{
		ID:         newRequestID(now),
		Content:    content,
		Kind:       kind,
		ReplyTo:    replyTo,
		ReceivedAt: now,
	}
	c.admit.Lock()
	req.EnqueuedAt = c.clock.Next()
	evicted, err := c.queue.Push(req)
	c.admit.Unlock()
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			c.inst.add(context.Background(), c.inst.overflow, 1, attribute.String("policy", string(RejectNew)))
			c.logger.Warn("request rejected, queue full", slog.String("request_id", req.ID))
		}
		return Request{}, err
	}
	if evicted {
		c.inst.add(context.Background(), c.inst.overflow, 1, attribute.String("policy", string(DropOldest)))
		c.logger.Warn("queue full, dropped oldest request", slog.String("request_id", req.ID))
	}
	return req, nil
}

// Flush invalidates everything submitted so far: queued requests are
// discarded, the in-flight stream is abandoned at its next check and the
// flush is propagated to the sink. The local effect always applies; the
// returned error only concerns propagation.
func (c *Coordinator[C, U]) Flush(ctx context.Context) error {
	c.admit.Lock()
	c.gate.Lock()
	cutoff := c.clock.Next()
	c.wm.AdvanceTo(cutoff)
	c.gate.Unlock()
	drained := c.queue.Drain()
	c.admit.Unlock()
	if cur := c.inflight.Load(); cur != nil && c.wm.IsStale(cur.req.EnqueuedAt) {
		cur.cancel()
	}

	c.inst.add(ctx, c.inst.flushes, 1)
	c.inst.add(ctx, c.inst.drained, int64(drained))
	c.logger.Debug("flush", slog.Uint64("cutoff", cutoff), slog.Int("drained", drained))

	if err := c.opts.Sink.Flush(ctx); err != nil {
		return fmt.Errorf("propagate flush: %w", err)
	}
	return nil
}

// State reports what the worker is doing.
func (c *Coordinator[C, U]) State() State {
	return State(c.state.Load())
}

// Pending reports the number of queued requests.
func (c *Coordinator[C, U]) Pending() int {
	return c.queue.Len()
}

// Cutoff returns the current watermark.
func (c *Coordinator[C, U]) Cutoff() uint64 {
	return c.wm.Cutoff()
}

func (c *Coordinator[C, U]) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator[C, U]) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateTerminated)
	for {
		c.setState(StateIdle)
		req, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		c.setState(StateDequeuing)
		if ctx.Err() != nil {
			c.inst.outcome(ctx, "shutdown")
			return
		}
		c.process(ctx, req)
	}
}

func (c *Coordinator[C, U]) process(ctx context.Context, req Request) {
	log := c.logger.With(slog.String("request_id", req.ID), slog.String("kind", req.Kind.String()))
	if c.wm.IsStale(req.EnqueuedAt) {
		c.inst.outcome(ctx, "stale")
		log.Debug("discarding request interrupted while queued")
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.inflight.Store(&inflight{req: req, cancel: cancel})
	defer c.inflight.Store(nil)
	// A flush may have landed between the check above and publishing the
	// in-flight handle.
	if c.wm.IsStale(req.EnqueuedAt) {
		c.inst.outcome(ctx, "stale")
		log.Debug("discarding request interrupted while queued")
		return
	}

	reqCtx, span := tracer.Start(reqCtx, c.opts.Name+".generate", trace.WithAttributes(
		attribute.String("loqa.request_id", req.ID),
		attribute.String("loqa.request_kind", req.Kind.String()),
	))
	defer span.End()

	c.setState(StateStreaming)
	start := time.Now()
	var firstUnit time.Duration
	emitted := 0
	emit := func(unit Unit[U]) error {
		if err := c.emit(reqCtx, unit); err != nil {
			return err
		}
		if emitted == 0 {
			firstUnit = time.Since(start)
		}
		emitted++
		return nil
	}

	seg := c.opts.NewSegmenter(req)
	err := c.opts.Source.Stream(reqCtx, req, func(chunk C) error {
		if c.wm.IsStale(req.EnqueuedAt) {
			return ErrStale
		}
		for _, value := range seg.Feed(chunk) {
			if err := emit(Unit[U]{Request: req, Value: value}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		c.setState(StateFlushing)
		tail, ok := seg.Flush()
		if ok || emitted > 0 || req.Kind == KindCall {
			err = emit(Unit[U]{Request: req, Value: tail, EndOfSegment: true})
		}
	}

	if err == nil && c.staleNow(req) {
		// Flushed while the source wound down without producing a unit.
		err = ErrStale
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrStale) || c.wm.IsStale(req.EnqueuedAt):
		c.inst.outcome(ctx, "stale")
		span.SetAttributes(attribute.Bool("loqa.interrupted", true))
		log.Debug("request interrupted", slog.Int("units", emitted))
		return
	case ctx.Err() != nil:
		c.inst.outcome(ctx, "shutdown")
		return
	default:
		c.inst.outcome(ctx, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("generation failed", slogError(err), slog.Int("units", emitted))
		if c.opts.OnError != nil {
			c.opts.OnError(ctx, req, err)
		}
		return
	}

	c.inst.outcome(ctx, "completed")
	log.Info("generation complete",
		slog.Int("units", emitted),
		slog.Duration("first_unit", firstUnit),
		slog.Duration("latency", time.Since(start)),
		slog.Duration("queued", start.Sub(req.ReceivedAt)),
	)
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(ctx, req, seg)
	}
}

// staleNow checks staleness under gate, ordering the check against Flush the
// same way emit is.
func (c *Coordinator[C, U]) staleNow(req Request) bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.wm.IsStale(req.EnqueuedAt)
}

// emit forwards one unit unless the request went stale. The staleness check
// and the hand-off happen under gate so Flush cannot interleave between them.
func (c *Coordinator[C, U]) emit(ctx context.Context, unit Unit[U]) error {
	c.gate.Lock()
	defer c.gate.Unlock()
	if c.wm.IsStale(unit.Request.EnqueuedAt) {
		return ErrStale
	}
	if err := c.opts.Sink.Emit(ctx, unit); err != nil {
		return fmt.Errorf("emit unit: %w", err)
	}
	c.inst.add(ctx, c.inst.units, 1)
	return nil
}

func newRequestID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
