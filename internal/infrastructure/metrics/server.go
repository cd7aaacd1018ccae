// Package metrics hosts the Prometheus scrape endpoint. Instruments
// are registered through the OTel meter provider; its exporter feeds
// the default registry this handler serves.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"order_pipeline/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the /metrics listener on the telemetry port.
type Server struct {
	port   int
	logger core.ILogger
	mu     sync.Mutex
	srv    *http.Server
}

func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background; listener failures are logged, not
// fatal, since scraping is not on the trading path.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("metrics server listening", "port", s.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
