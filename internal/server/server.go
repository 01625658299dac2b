package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sidecart/api"
	"sidecart/internal/config"
	"sidecart/internal/middleware"
)

type Server struct {
	engine *gin.Engine
	cfg    config.AppConfig
	http   *http.Server
	logger *slog.Logger
}

// New builds the HTTP query interface. gate and pool may be nil, in which
// case the database routes answer 503.
func New(cfg config.AppConfig, gate api.Gate, pool api.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), middleware.Deadline(cfg.RequestTimeout))
	api.RegisterRoutes(r, gate, pool)

	return &Server{
		engine: r,
		cfg:    cfg,
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "http"),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http interface listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine returns the underlying Gin engine (for testing)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
