package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/presence"
	"golang.org/x/sync/errgroup"
)

// healthCheck is one named readiness probe.
type healthCheck struct {
	name string
	ok   func() bool
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	ready   atomic.Bool
	checks  []healthCheck
	loops   []func(context.Context) error
	closers []func()
	routes  map[string]http.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		routes: make(map[string]http.Handler),
	}
}

func (r *Runtime) addCheck(name string, ok func() bool) {
	r.checks = append(r.checks, healthCheck{name: name, ok: ok})
}

func (r *Runtime) addLoop(fn func(context.Context) error) {
	r.loops = append(r.loops, fn)
}

// addCloser registers cleanup; closers run in reverse order.
func (r *Runtime) addCloser(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Start wires the configured roles, serves HTTP and blocks until ctx is
// cancelled or a long-lived loop fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer r.closeAll()

	if err := r.wire(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range r.loops {
		g.Go(func() error { return loop(gctx) })
	}

	servers := []*http.Server{r.httpServer()}
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.Bool("speaker", r.cfg.Roles.Speaker),
		slog.Bool("avatar", r.cfg.Roles.Avatar))

	return g.Wait()
}

// wire connects the bus and event store and builds every enabled role.
func (r *Runtime) wire(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	if embedded != nil {
		r.addCloser(embedded.Shutdown)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	busClient, err := bus.Connect(connectCtx, r.cfg.Bus, embedded.URL(), r.logger)
	if err != nil {
		return err
	}
	r.addCloser(busClient.Close)
	r.addCheck("bus", busClient.Healthy)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.addCloser(func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	})

	if r.cfg.Roles.Speaker {
		if err := r.wireSpeaker(ctx, busClient, store); err != nil {
			return err
		}
	}
	if r.cfg.Roles.Avatar {
		if err := r.wireAvatar(ctx, busClient, store); err != nil {
			return err
		}
	}

	registry := presence.NewRegistry(r.cfg.Node, r.cfg.Roles, busClient, r.clock, r.logger)
	if err := registry.Start(); err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.addCloser(registry.Close)
	r.addLoop(registry.Run)
	r.addCheck("presence", registry.Healthy)
	return nil
}

func (r *Runtime) httpServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	for pattern, h := range r.routes {
		mux.Handle(pattern, h)
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, c := range r.checks {
		if !c.ok() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "not ready: %s", c.name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
