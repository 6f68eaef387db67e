package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/gateway"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/natsserver"
	"github.com/loqalabs/loqa-stream/internal/router"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/tts"
)

// service is the lifecycle every pipeline stage implements.
type service interface {
	Start() error
	Close()
	Healthy() bool
}

type namedService struct {
	name string
	svc  service
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	session  string
	services []namedService
	addr     atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Session returns the event store session id of this run.
func (r *Runtime) Session() string {
	return r.session
}

// Addr returns the address the HTTP server listens on, or "" before it is up.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start brings the pipeline up, serves HTTP until ctx ends and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startPipeline(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	if r.cfg.Gateway.Enabled {
		mux.Handle(r.cfg.Gateway.Path, gateway.New(r.cfg.Gateway, r.bus, r.logger))
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("session_id", r.session))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		if len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{ns.ClientURL()}
		}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.session = uuid.NewString()
	if err := store.BeginSession(ctx, r.session, r.cfg.RuntimeName); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}

	if err := r.buildServices(ctx); err != nil {
		return err
	}
	for _, ns := range r.services {
		if err := ns.svc.Start(); err != nil {
			return fmt.Errorf("start %s: %w", ns.name, err)
		}
	}
	return nil
}

// buildServices creates the stages downstream first so every consumer is
// subscribed before its producer starts.
func (r *Runtime) buildServices(ctx context.Context) error {
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts synthesizer: %w", err)
	}
	ttsSvc, err := tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.store, r.logger)
	if err != nil {
		return err
	}
	r.services = append(r.services, namedService{"tts", ttsSvc})

	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm generator: %w", err)
	}
	llmSvc, err := llm.NewService(ctx, r.cfg.LLM, r.bus, generator, r.store, r.logger)
	if err != nil {
		return err
	}
	r.services = append(r.services, namedService{"llm", llmSvc})

	r.services = append(r.services, namedService{"router", router.NewService(r.cfg.Router, r.bus, r.logger)})

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("stt recognizer: %w", err)
	}
	r.services = append(r.services, namedService{"stt", stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.store, r.logger)})
	return nil
}

// shutdown closes whatever startPipeline managed to open, producers first.
func (r *Runtime) shutdown() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].svc.Close()
	}
	r.services = nil
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := r.notReady(); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady() string {
	if !r.ready.Load() {
		return "starting"
	}
	if !r.bus.Healthy() {
		return "bus"
	}
	for _, ns := range r.services {
		if !ns.svc.Healthy() {
			return ns.name
		}
	}
	return ""
}
