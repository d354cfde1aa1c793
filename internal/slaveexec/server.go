// Package slaveexec implements the slave-side HTTP surface and execution
// backends (spec.md §4.3, C3 SlaveExecutor).
package slaveexec

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskswarm/core/internal/version"
)

// Options configures the slave HTTP server.
type Options struct {
	Token                   string
	MaxConcurrentExecutions int
	UploadRoot              string
	VersionString           string
	Branch                  string
	Probe                   *version.Probe
	Backend                 *BackendProbe
}

// Server is the slave-side HTTP surface: /health, /version, /execute,
// /upload.
type Server struct {
	opts     Options
	executor *Executor

	mu      sync.Mutex
	running int
}

// NewServer builds a Server. MaxConcurrentExecutions of 0 uses the spec
// default of 1.
func NewServer(opts Options) *Server {
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = 1
	}
	return &Server{opts: opts, executor: NewExecutor(opts.Backend)}
}

// Mux builds the http.ServeMux for this server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/execute", s.requireAuth(s.handleExecute))
	mux.HandleFunc("/upload", s.requireAuth(s.handleUpload))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"version": s.opts.VersionString,
		"commit":  s.opts.Probe.Commit(),
		"methods": s.opts.Backend.Available(""),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"commit":  s.opts.Probe.Commit(),
		"version": s.opts.VersionString,
		"branch":  s.opts.Branch,
	})
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running >= s.opts.MaxConcurrentExecutions {
		return false
	}
	s.running++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
		Timeout    int    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.acquire() {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "max_concurrent_executions exceeded"})
		return
	}
	defer s.release()

	timeout := DefaultExecTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	result := s.executor.Run(req.Command, req.WorkingDir, timeout)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path           string `json:"path"`
		ContentBase64  string `json:"content_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	target := filepath.Join(s.opts.UploadRoot, req.Path)
	rel, err := filepath.Rel(s.opts.UploadRoot, target)
	if err != nil || strings.HasPrefix(rel, "..") || rel == ".." {
		http.Error(w, "path outside allowed root", http.StatusBadRequest)
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		http.Error(w, "invalid base64 content", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		writeUploadError(w, err)
		return
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		writeUploadError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "path": req.Path})
}

func writeUploadError(w http.ResponseWriter, err error) {
	log.Printf("[SLAVE-EXEC] upload failed: %v", err)
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ListenAndServe starts the HTTP server bound to host:port, blocking until
// it returns (e.g. on listener error).
func (s *Server) ListenAndServe(host string, port int) error {
	addr := fmt.Sprintf("%s:%s", host, strconv.Itoa(port))
	log.Printf("[SLAVE-EXEC] listening on %s", addr)
	return http.ListenAndServe(addr, s.Mux())
}
