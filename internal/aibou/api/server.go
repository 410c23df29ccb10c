// Package api exposes the session engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Aibou/common/trace"
	"github.com/bdobrica/Aibou/internal/aibou/cleanup"
	"github.com/bdobrica/Aibou/internal/aibou/fallback"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// Sessions is the session table as seen by the HTTP layer.
type Sessions interface {
	Create(ctx context.Context, ownerID, personalityID string) (session.Session, error)
	AppendAndRespond(ctx context.Context, sessionID, text string) (session.Reply, error)
	End(ctx context.Context, sessionID string) error
	Get(sessionID string) (session.Session, error)
	Stats() session.Stats
}

// Fallback handles matching timeouts.
type Fallback interface {
	HandleTimeout(ctx context.Context, n fallback.Notification) (fallback.Handle, error)
	SessionForOwner(ctx context.Context, ownerID string) (fallback.Handle, error)
	SendForOwner(ctx context.Context, ownerID, text string) (fallback.Handle, session.Reply, error)
	EndForOwner(ctx context.Context, ownerID string) (int, error)
}

// Personalities lists the template catalog.
type Personalities interface {
	List(ctx context.Context) ([]persona.Template, error)
}

// Analytics summarises stored session metadata.
type Analytics interface {
	Summary(ctx context.Context) (session.Summary, error)
}

// Cleanup runs sweeps on demand.
type Cleanup interface {
	Sweep(ctx context.Context) cleanup.Report
	LastReport() cleanup.Report
}

// OutboxStats reports durable write queue counters.
type OutboxStats interface {
	Stats() session.OutboxStats
}

// Pinger reports storage reachability for /status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers' collaborators. Sessions is required; routes whose
// collaborator is nil answer 503.
type Deps struct {
	Sessions      Sessions
	Fallback      Fallback
	Personalities Personalities
	Analytics     Analytics
	Cleanup       Cleanup
	Outbox        OutboxStats
	Storage       Pinger
	Logger        *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	addr      string
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
	handler   http.Handler
}

// New creates the server and registers its routes. It does not listen.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.handler = trace.Middleware(s.accessLog(s.recoverPanics(s.mux)))
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSendMessage)

	s.mux.HandleFunc("POST /v1/fallback/timeouts", s.handleFallbackTimeout)
	s.mux.HandleFunc("GET /v1/fallback/{ownerId}", s.handleFallbackSession)
	s.mux.HandleFunc("POST /v1/fallback/{ownerId}/messages", s.handleFallbackSend)
	s.mux.HandleFunc("DELETE /v1/fallback/{ownerId}", s.handleFallbackEnd)

	s.mux.HandleFunc("GET /v1/personalities", s.handleListPersonalities)
	s.mux.HandleFunc("GET /v1/analytics", s.handleAnalytics)
	s.mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Replies include generation and pacing time.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "err", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
