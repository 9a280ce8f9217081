// Package server is the HTTP-like front of the autoscale handler: it
// normalizes incoming requests into the platform envelope, builds the
// per-request proxy, and writes the dispatcher's response back out.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zentinel/autoscale/internal/core/autoscale"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/proxy"
)

const maxBodyBytes = 1 << 20

// Server fronts one dispatcher.
type Server struct {
	config     Config
	dispatcher *autoscale.Dispatcher
	platform   platform.Platform
	logger     log.Log
	metrics    *Metrics

	httpServer    *http.Server
	metricsServer *http.Server
	mu            sync.Mutex
}

func New(config Config, dispatcher *autoscale.Dispatcher, p platform.Platform, logger log.Log) *Server {
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		platform:   p,
		logger:     logger,
		metrics:    NewMetrics(),
	}
}

// Start brings up the handler and metrics listeners. It does not block.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s,
	}
	go func() {
		s.logger.Info("handler listening", log.String("addr", s.config.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("handler listener failed", log.Error(err))
		}
	}()

	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: mux}
		go func() {
			s.logger.Info("metrics listening", log.String("addr", s.config.MetricsAddr))
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener failed", log.Error(err))
			}
		}()
	}
	return nil
}

// Stop drains both listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unable to read request body", http.StatusInternalServerError)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	req := &platform.IncomingRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Body:    body,
	}
	reqType := s.platform.RequestType(req)

	logger := s.logger.With(
		log.String("request_id", uuid.NewString()),
		log.String("request_type", reqType.String()),
	)
	px := proxy.New(logger, start.Add(s.config.HandlerTimeout))

	resp := s.dispatcher.Handle(r.Context(), req, px)

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, resp.Body); err != nil {
		logger.Warn("response write failed", log.Error(err))
	}

	elapsed := time.Since(start)
	s.metrics.Observe(reqType.String(), resp.StatusCode, elapsed)

	loggedBody := resp.Body
	if resp.Secret {
		loggedBody = "***"
	}
	logger.Debug("request served",
		log.Int("status", resp.StatusCode),
		log.Duration("elapsed", elapsed),
		log.String("body", loggedBody))
}
