// Package api serves the node control API.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

type Control interface {
	// Reload re-reads the configuration file and restarts the modules.
	Reload(ctx context.Context) error
	// ModulesSnapshot returns a lightweight view of the configured modules.
	ModulesSnapshot() any
	// RunModule nudges a running module; false if it does not run.
	RunModule(name string) bool
	// Transfers returns the newest transfer history entries, optionally of one experiment.
	Transfers(ctx context.Context, experiment string, limit int) (any, error)
	// GetConfig returns the current config model as JSON-able structure.
	GetConfig() any
	// ApplyConfig replaces the current config with the provided JSON bytes.
	ApplyConfig(ctx context.Context, raw []byte) error
}

type Server struct {
	log   Logger
	ctrl  Control
	mux   *http.ServeMux
	srv   *http.Server
	addr  string
	ln    net.Listener
	mu    sync.Mutex
	start bool
}

func New(log Logger, ctrl Control, addr string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		log:  log,
		ctrl: ctrl,
		mux:  mux,
		addr: addr,
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/modules", s.handleModules)
	mux.HandleFunc("/modules/", s.handleRunModule)
	mux.HandleFunc("/transfers", s.handleTransfers)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/config", s.handleConfig)
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Infow("api server listening", "addr", s.addr)
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("api server error", "error", err)
		}
	}()
	s.start = true
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.start = false
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ctrl == nil {
		_ = json.NewEncoder(w).Encode([]any{})
		return
	}
	_ = json.NewEncoder(w).Encode(s.ctrl.ModulesSnapshot())
}

// handleRunModule serves POST /modules/{name}/run.
func (s *Server) handleRunModule(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/modules/"), "/run")
	if !ok || name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.ctrl.RunModule(name) {
		http.Error(w, "module not running: "+name, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	out, err := s.ctrl.Transfers(r.Context(), q.Get("experiment"), limit)
	if err != nil {
		s.log.Errorw("transfer history query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.ctrl == nil {
			http.Error(w, "control unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.ctrl.GetConfig())
	case http.MethodPost:
		if s.ctrl == nil {
			http.Error(w, "control unavailable", http.StatusServiceUnavailable)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.ctrl.ApplyConfig(ctx, raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil {
		http.Error(w, "control unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.ctrl.Reload(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
