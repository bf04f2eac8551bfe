package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jhofer-cloud/devproxy/pkg/accesslog"
	"github.com/jhofer-cloud/devproxy/pkg/config"
	"github.com/jhofer-cloud/devproxy/pkg/dispatch"
	"github.com/jhofer-cloud/devproxy/pkg/files"
	"github.com/jhofer-cloud/devproxy/pkg/metrics"
)

const shutdownTimeout = 30 * time.Second

// namedServer is an http.Server with its listener already bound.
type namedServer struct {
	name     string
	server   *http.Server
	listener net.Listener
}

// run serves the proxy until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	handler, err := newProxyHandler(cfg, logger, m)
	if err != nil {
		return err
	}

	servers := make([]namedServer, 0, 2)

	proxyServer, err := listen("proxy", cfg.ListenAddr(), handler, logger)
	if err != nil {
		return err
	}
	servers = append(servers, proxyServer)

	if cfg.Metrics.Listen != "" {
		metricsServer, err := listen("metrics", cfg.Metrics.Listen, newMetricsMux(reg), logger)
		if err != nil {
			proxyServer.listener.Close()
			return err
		}
		servers = append(servers, metricsServer)
	}

	logBanner(logger, cfg, proxyServer.listener.Addr().String())
	return serve(ctx, logger, servers...)
}

// runBrowse serves dir for browsing until ctx is cancelled.
func runBrowse(ctx context.Context, cfg *config.Config, dir string, logger *slog.Logger) error {
	browser, err := files.NewBrowser(dir, logger)
	if err != nil {
		return err
	}

	server, err := listen("browse", cfg.ListenAddr(), accesslog.Middleware(logger, nil)(browser), logger)
	if err != nil {
		return err
	}

	logger.Info("Browsing directory", "address", server.listener.Addr().String(), "dir", dir)
	return serve(ctx, logger, server)
}

// newProxyHandler builds the full request pipeline: access log around the
// dispatcher.
func newProxyHandler(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (http.Handler, error) {
	rules, err := dispatch.NewRuleSet(cfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(rules, logger, m)
	if err != nil {
		return nil, err
	}

	return accesslog.Middleware(logger, m)(dispatcher), nil
}

func newMetricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", healthCheckHandler)
	return mux
}

func listen(name, addr string, handler http.Handler, logger *slog.Logger) (namedServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return namedServer{}, fmt.Errorf("%s server: %w", name, err)
	}

	return namedServer{
		name:     name,
		listener: listener,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// serve runs every server until ctx is cancelled or one of them fails, then
// shuts all of them down gracefully.
func serve(ctx context.Context, logger *slog.Logger, servers ...namedServer) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, s := range servers {
		eg.Go(func() error {
			logger.Info("Server starting", "server", s.name, "address", s.listener.Addr().String())
			if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", s.name, err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range servers {
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s server: %w", s.name, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := eg.Wait(); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

func logBanner(logger *slog.Logger, cfg *config.Config, addr string) {
	logger.Info("Serving", "address", addr)
	logger.Info("Proxying", "backend", cfg.Proxy.Addr, "host", cfg.Proxy.GetHostHeader())
	if len(cfg.Static) > 0 {
		logger.Info("Serving static dirs", "static", cfg.Static)
	}
	if len(cfg.Files) > 0 {
		logger.Info("Serving exact files", "files", cfg.Files)
	}
	for _, rule := range cfg.SubProxies {
		logger.Info("Proxying sub-path", "prefix", rule.Prefix, "backend", rule.Addr, "host", rule.GetHostHeader())
	}
	if cfg.Metrics.Listen != "" {
		logger.Info("Serving metrics", "address", cfg.Metrics.Listen)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"healthy","service":"devproxy"}`)
}
