// Package service hosts the background healthz and Prometheus metrics HTTP
// servers that run alongside an orchestrated run.
package service

import (
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default listen addresses, used when Config leaves them empty.
const (
	DefaultHealthzAddr = "0.0.0.0:8080"
	DefaultMetricsAddr = "0.0.0.0:7300"
)

// Config selects where the background servers listen.
type Config struct {
	HealthzAddr string
	MetricsAddr string
}

// Service bundles the healthz and metrics listeners.
type Service struct {
	log     log.Logger
	healthz *httpServer
	metrics *httpServer
}

func New(cfg Config, logger log.Logger) *Service {
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = DefaultHealthzAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthzHandler(logger))

	return &Service{
		log:     logger,
		healthz: newHTTPServer("healthz", cfg.HealthzAddr, mux, logger),
		metrics: newHTTPServer("metrics", cfg.MetricsAddr, promhttp.Handler(), logger),
	}
}

// Start launches both listeners in the background. Listen failures are logged
// and counted, never fatal: a run proceeds without its sidecar servers.
func (s *Service) Start() {
	s.healthz.start()
	s.metrics.start()
	s.log.Info("Background servers started", "healthz", s.healthz.Addr(), "metrics", s.metrics.Addr())
}

func (s *Service) Shutdown() {
	s.healthz.shutdown()
	s.metrics.shutdown()
	s.log.Info("Background servers stopped")
}

func healthzHandler(logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Health check", "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
