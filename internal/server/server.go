// Package server is the execution server that runs inside the sandbox:
// a small HTTP surface over one persistent shell session and the
// workspace filesystem. The control plane talks to it over the
// forwarded sandbox port.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/t-brandt/kapsel/config"
	"github.com/t-brandt/kapsel/internal/shell"
	"github.com/t-brandt/kapsel/runtime/local"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	files   *local.Runtime
	session *shell.Session
	exec    *shellExecutor
}

// New wires the server around a workspace-confined local runtime and a
// pty shell session rooted at the same directory. Nothing runs until
// Start.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	files := local.New("execd", cfg.WorkspaceDir, cfg, logger)
	session := shell.NewSession(cfg.WorkspaceDir, cfg.Env, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		files:   files,
		session: session,
		exec:    &shellExecutor{Runtime: files, session: session, cfg: cfg},
	}
	s.routes()
	return s
}

// Start creates the workspace and spawns the shell.
func (s *Server) Start(ctx context.Context) error {
	if err := s.files.Start(ctx); err != nil {
		return err
	}
	if err := s.session.Start(); err != nil {
		return err
	}
	s.logger.Info("execution server ready", "workspace", s.cfg.WorkspaceDir)
	return nil
}

// Shutdown stops the shell and the background process registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.session.Stop()
	return s.files.Stop(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /execute_action", s.handleExecuteAction)

	s.mux.HandleFunc("GET /files", s.handleListFiles)
	s.mux.HandleFunc("GET /file/{path...}", s.handleDownloadFile)
	s.mux.HandleFunc("POST /file/{path...}", s.handleUploadFile)
	s.mux.HandleFunc("DELETE /file/{path...}", s.handleDeleteFile)

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
