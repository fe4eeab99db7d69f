// Observability middleware and HTTP server for metrics, profiling and the read API
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
)

// MetricsMiddleware records metrics and a log line for every API request.
func MetricsMiddleware(m *metrics.Metrics, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.APIRequestsInFlight.Inc()
		defer m.APIRequestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		m.RecordAPIRequest(route, c.Writer.Status(), duration)
		log.LogAPIRequest(c.Request.Method, route, c.Writer.Status(), duration)
	}
}

// ObservabilityServer serves metrics, health, profiling and the API
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
}

// ServerConfig configures an ObservabilityServer
type ServerConfig struct {
	Port     int
	Gatherer prometheus.Gatherer // defaults to the global registry
	API      http.Handler        // mounted under /api/ when set
	Ready    func() bool         // nil means always ready
}

// NewObservabilityServer creates a new HTTP server for observability
func NewObservabilityServer(cfg ServerConfig, log *logger.Logger) *ObservabilityServer {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newMux(gatherer, cfg.API, cfg.Ready),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &ObservabilityServer{
		server: server,
		log:    log,
	}
}

func newMux(gatherer prometheus.Gatherer, api http.Handler, ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"historycache"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"indexing"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if api != nil {
		mux.Handle("/api/", api)
	}
	return mux
}

// Serve serves on lis until Shutdown is called
func (o *ObservabilityServer) Serve(lis net.Listener) error {
	addr := lis.Addr().String()
	o.log.Info("Endpoints:").
		Str("metrics", fmt.Sprintf("http://%s/metrics", addr)).
		Str("health", fmt.Sprintf("http://%s/health", addr)).
		Str("api", fmt.Sprintf("http://%s/api/v1/", addr)).
		Str("pprof", fmt.Sprintf("http://%s/debug/pprof/", addr)).
		Send()

	if err := o.server.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("Shutting down observability server").Send()
	return o.server.Shutdown(ctx)
}
