// Package server is the HTTP/SSE surface: RESTful JSON for the draft
// queue plus SSE for execution-process logs and worktree diffs. A plain
// net/http.ServeMux with Go 1.22+ method+pattern routes, a
// Server{config, baseCtx, httpSrv, logger} shape, and signal-driven
// Shutdown over this domain's (attempt, execution-process, draft) row set.
package server

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskattempts/core/internal/draftstore"
	"github.com/taskattempts/core/internal/eventbus"
	"github.com/taskattempts/core/internal/logging"
	"github.com/taskattempts/core/internal/orchestrator"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8080"
}

// Server is the HTTP server fronting the orchestrator, draft store, and
// event bus.
type Server struct {
	config Config
	db     *sql.DB
	orch   *orchestrator.Orchestrator
	drafts *draftstore.Store
	bus    *eventbus.Bus

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds a Server over an already-migrated DB and its dependent
// services.
func New(cfg Config, db *sql.DB, orch *orchestrator.Orchestrator, drafts *draftstore.Store, bus *eventbus.Bus) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		db:      db,
		orch:    orch,
		drafts:  drafts,
		bus:     bus,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logging.New("taskattemptd"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /drafts", s.handleGetDraft)
	mux.HandleFunc("PUT /drafts", s.handlePutDraft)
	mux.HandleFunc("POST /drafts/queue", s.handleQueueDraft)
	mux.HandleFunc("DELETE /drafts", s.handleDeleteDraft)

	mux.HandleFunc("POST /task_attempts/{id}/start", s.handleStartAttempt)
	mux.HandleFunc("POST /task_attempts/{id}/stop", s.handleStopAttempt)
	mux.HandleFunc("GET /task_attempts/{id}/diff", s.handleAttemptDiff)

	mux.HandleFunc("GET /execution_processes/{id}/raw-logs", s.handleRawLogs)
	mux.HandleFunc("GET /execution_processes/{id}/normalized-logs", s.handleNormalizedLogs)
	mux.HandleFunc("POST /execution_processes/{id}/exit-plan-mode", s.handleExitPlanMode)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE routes never time out a write
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until shutdown, on SIGINT,
// SIGTERM, or an explicit Shutdown call.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops accepting new connections and cancels baseCtx,
// which unblocks every open SSE stream.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
