// Package gateway provides the HTTP service fronting the Wiener Linien OGD
// realtime API, together with the metrics listener and the background poller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/LisaMayr/WeatherAndDelay/internal/gateway/handlers"
	"github.com/LisaMayr/WeatherAndDelay/internal/gateway/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrTeardownTimeout is returned when the gateway services do not finish
	// within the allowed teardown duration.
	ErrTeardownTimeout = errors.New("gateway teardown timed out")

	errServerClosed = errors.New("server is already shutting down")
)

// MetricsServer serves the Prometheus registry on its own listener.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Poller feeds realtime snapshots into the store until its context is cancelled.
type Poller interface {
	Run(ctx context.Context)
}

// StopWatcher hot-reloads the stop list backing the poller.
type StopWatcher interface {
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
}

// StaticConfig holds the configuration of the gateway listener.
type StaticConfig struct {
	ListenHost string `mapstructure:"listenHost"`
	ListenPort int    `mapstructure:"listenPort"`

	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`

	// RequestTimeout caps request handling when positive. It is off by
	// default: a historical import legitimately runs for minutes.
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`

	MaxHeaderBytes int `mapstructure:"maxHeaderBytes"`
}

// Deps are the collaborators the gateway serves with.
type Deps struct {
	Client         handlers.UpstreamClient
	Store          handlers.StorePinger
	Importer       handlers.HistoricalImporter
	ImportDefaults handlers.ImportDefaults

	Registry prometheus.Registerer
	Metrics  MetricsServer

	Poller Poller      // optional, nil disables background polling
	Stops  StopWatcher // optional, nil disables stop list hot reload
}

// Server is the long-running gateway service.
type Server struct {
	httpServer    *http.Server
	metricsServer MetricsServer
	poller        Poller
	stops         StopWatcher

	maxDegradedDuration time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	running chan struct{}
}

type options struct {
	maxDegradedDuration time.Duration
}

// Options are the functional options for the gateway service.
type Options func(*options)

// New creates the gateway service around the provided collaborators.
func New(ctx context.Context, d Deps, sc StaticConfig, args ...Options) (*Server, error) {
	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, opt := range args {
		opt(&opts)
	}

	if d.Client == nil || d.Store == nil || d.Importer == nil {
		return nil, errors.New("gateway requires an upstream client, a store, and an importer")
	}
	if d.Metrics == nil {
		return nil, errors.New("gateway requires a metrics server")
	}
	if d.Registry == nil {
		return nil, errors.New("gateway requires a metrics registry")
	}

	mw := metrics.NewEndpointMiddleware(d.Registry)
	mux := http.NewServeMux()
	route := func(pattern, name string, handler http.Handler) {
		mux.Handle(pattern, mw.Wrap(name, metrics.HandlerApplyLabels(handler)))
	}

	route("GET /{$}", "root", handlers.NewRoot(d.Client))
	route("GET /health", "health", http.HandlerFunc(handlers.HealthHandler))
	mux.Handle("GET /version", http.HandlerFunc(handlers.VersionHandler))
	route("GET /monitor", "monitor", handlers.NewMonitor(d.Client))
	route("GET /trafficInfoList", "trafficInfoList", handlers.NewTrafficInfoList(d.Client))
	route("GET /trafficInfo", "trafficInfo", handlers.NewTrafficInfo(d.Client))
	route("GET /newsList", "newsList", handlers.NewNewsList(d.Client))
	route("GET /news", "news", handlers.NewNews(d.Client))
	route("POST /historical/import", "historical_import",
		handlers.NewImport(d.Client, d.Store, d.Importer, d.ImportDefaults))

	var handler http.Handler = mux
	if sc.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, sc.RequestTimeout, "")
	}

	ctx, cancel := context.WithCancel(ctx)
	gracefulCtx, gracefulCancel := context.WithCancel(ctx)

	s := &Server{
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", sc.ListenHost, sc.ListenPort),
			Handler:        handler,
			ReadTimeout:    sc.ReadTimeout,
			WriteTimeout:   sc.WriteTimeout,
			MaxHeaderBytes: sc.MaxHeaderBytes,
		},
		metricsServer: d.Metrics,
		poller:        d.Poller,
		stops:         d.Stops,

		maxDegradedDuration: opts.maxDegradedDuration,

		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gracefulCtx,
		gracefulCancel: gracefulCancel,

		running: make(chan struct{}),
	}
	close(s.running)

	return s, nil
}

// Run starts the gateway listener, the metrics server, and the poller, and
// blocks until all of them have finished. The first service to fail initiates
// a graceful stop of the others; their teardown is bounded by the maximum
// degraded duration.
func (s *Server) Run() error {
	slog.Info("Starting gateway", "addr", s.httpServer.Addr)

	select {
	case <-s.gracefulCtx.Done():
		return errServerClosed
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel()

	if s.stops != nil {
		_, watchErr, err := s.stops.Watch(s.gracefulCtx)
		if err != nil {
			return fmt.Errorf("failed to watch the stop list: %v", err)
		}
		// Watcher failures degrade polling but never stop the gateway.
		go func() {
			for err := range watchErr {
				slog.Error("Stop list watcher failed", "err", err)
			}
		}()
	}

	services := 2
	if s.poller != nil {
		services++
	}

	done := make(chan error, services)
	var wg sync.WaitGroup
	wg.Add(services)

	go func() {
		defer wg.Done()
		done <- s.runHTTP()
	}()
	go func() {
		defer wg.Done()
		done <- s.runMetrics()
	}()
	if s.poller != nil {
		go func() {
			defer wg.Done()
			done <- s.runPoller()
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	err := <-done
	slog.Info("Waiting for gateway services to finish")
	timeout := time.After(s.maxDegradedDuration)
	for {
		select {
		case <-timeout:
			slog.Warn("Gateway services did not finish in time")
			return errors.Join(err, ErrTeardownTimeout)
		case e, ok := <-done:
			if !ok {
				return err
			}
			err = errors.Join(err, e)
		}
	}
}

func (s *Server) runHTTP() error {
	defer s.gracefulCancel()

	slog.Info("Gateway listening", "addr", s.httpServer.Addr)
	serverErr := make(chan error, 1)
	go func() {
		defer close(serverErr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
		slog.Info("Stopping gateway listener")
		if err := s.httpServer.Shutdown(s.ctx); err != nil {
			slog.Error("Gateway listener shutdown failed", "err", err)
			return err
		}
		return nil
	case err, ok := <-serverErr:
		if ok && err != nil {
			slog.Error("Gateway listener failed", "err", err)
			return err
		}
		return nil
	}
}

func (s *Server) runMetrics() error {
	defer s.gracefulCancel()

	metricsErr := make(chan error, 1)
	go func() {
		defer close(metricsErr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		return s.metricsServer.Close()
	case <-s.gracefulCtx.Done():
		slog.Info("Stopping metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server shutdown failed", "err", err)
			return err
		}
		return nil
	case err, ok := <-metricsErr:
		if ok && err != nil {
			slog.Error("Metrics server failed", "err", err)
			return err
		}
		return nil
	}
}

func (s *Server) runPoller() error {
	defer s.gracefulCancel()

	s.poller.Run(s.gracefulCtx)
	return nil
}

// Quit stops the gateway. With force, open requests and the in-flight poll
// tick are abandoned rather than drained. Blocks until Run has returned.
func (s *Server) Quit(force bool) {
	slog.Info("Stopping gateway", "force", force)
	if force {
		s.cancel()
		if err := s.httpServer.Close(); err != nil {
			slog.Warn("Failed to close gateway listener", "err", err)
		}
		if err := s.metricsServer.Close(); err != nil {
			slog.Warn("Failed to close metrics server", "err", err)
		}
	} else {
		s.gracefulCancel()
	}
	<-s.running
}
