package http

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
)

// Analyze calls stay open for the full engine run, so shutdown must drain
// rather than cut connections.
const shutdownGrace = 10 * time.Second

// Server wraps the router in a net/http server with sane header timeouts and
// graceful shutdown.
type Server struct {
	log *logger.Logger
	srv *stdhttp.Server
}

func NewServer(log *logger.Logger, cfg RouterConfig) *Server {
	return &Server{
		log: log.With("component", "HTTPServer"),
		srv: &stdhttp.Server{
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run blocks until the listener fails or Shutdown drains the server.
func (s *Server) Run(address string) error {
	s.srv.Addr = address
	s.log.Info("http server listening", "addr", address)
	err := s.srv.ListenAndServe()
	if errors.Is(err, stdhttp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	s.log.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
