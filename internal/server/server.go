// Package server exposes the worker over HTTP. Control routes live under
// /__sync; every other request is proxied to the origin through the
// interceptor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/syncer"
	"github.com/colthorp/attendsync-go/internal/worker"
)

// Options configures a Server.
type Options struct {
	Listen string
	// Monitor, when set, is reported by the health route.
	Monitor *syncer.Monitor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ShutdownGrace bounds how long Run waits for in-flight requests.
	ShutdownGrace time.Duration
}

// Server is the local HTTP front of the sync engine.
type Server struct {
	worker  *worker.Worker
	monitor *syncer.Monitor
	metrics *metrics.Metrics
	logger  *slog.Logger

	listen   string
	grace    time.Duration
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router.
func New(w *worker.Worker, opts Options) *Server {
	s := &Server{
		worker:  w,
		monitor: opts.Monitor,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		listen:  opts.Listen,
		grace:   opts.ShutdownGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "server")
	if s.listen == "" {
		s.listen = core.DefaultListen
	}
	if s.grace <= 0 {
		s.grace = core.ShutdownGracePeriod
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	s.logger.Info("shutting down", "grace", s.grace)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
