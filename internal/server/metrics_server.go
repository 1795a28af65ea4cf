// Package server holds the HTTP side servers of a node, currently the
// metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
)

// MetricsServer exposes the Prometheus endpoint.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates the metrics HTTP server.
func NewMetricsServer(cfg config.MetricsConfig, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	return &MetricsServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start serves until Stop is called.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info("Metrics server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *MetricsServer) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
}
