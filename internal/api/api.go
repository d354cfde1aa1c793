// Package api wires the master's HTTP surface: the worker-poller endpoints
// (C5), the slave-registry admin endpoints (C4), the observability/stats
// surface, and the additive operator endpoints SPEC_FULL.md §4 calls for.
// Routing follows the teacher's stdlib-http idiom (control_plane/api.go):
// http.ServeMux plus manual path parsing, no router library.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskswarm/core/internal/dashboard"
	"github.com/taskswarm/core/internal/humanrequest"
	"github.com/taskswarm/core/internal/idempotency"
	"github.com/taskswarm/core/internal/orchestrator"
	"github.com/taskswarm/core/internal/slave"
	"github.com/taskswarm/core/internal/supervisor"
	"github.com/taskswarm/core/internal/worker"
)

// Server bundles the master's top-level collaborators and exposes a ready
// http.Handler. Spec.md §9's cyclic-reference note applies here too: Server
// only reads from each component through its own narrow API.
type Server struct {
	orch        *orchestrator.Orchestrator
	workerHTTP  *worker.Handler
	slaveHTTP   *slave.Handler
	humanReqs   *humanrequest.Store
	sup         *supervisor.Supervisor
	hub         *dashboard.Hub
	idempotency *idempotency.Store
}

// New builds a Server. sup and hub may be nil when their features are not
// wired (standalone worker-only deployments, or no websocket dashboard).
func New(orch *orchestrator.Orchestrator, workers *worker.Registry, queue worker.Queue, slaves *slave.Manager, humanReqs *humanrequest.Store, sup *supervisor.Supervisor, hub *dashboard.Hub, idem *idempotency.Store, pollWait time.Duration) *Server {
	return &Server{
		orch:        orch,
		workerHTTP:  worker.NewHandler(workers, queue, pollWait),
		slaveHTTP:   slave.NewHandler(slaves),
		humanReqs:   humanReqs,
		sup:         sup,
		hub:         hub,
		idempotency: idem,
	}
}

// Handler builds the full mux. Mutating registration endpoints are wrapped
// with the idempotency cache (SPEC_FULL.md §3); every other endpoint is
// mounted directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.idempotency != nil {
		mux.HandleFunc("/workers/register", s.idempotency.Wrap(s.workerHTTP.HandleRegister))
		s.workerHTTP.RegisterScoped(mux)
		mux.HandleFunc("/slaves/register", s.idempotency.Wrap(s.slaveHTTP.HandleRegister))
		s.slaveHTTP.RegisterScoped(mux)
	} else {
		s.workerHTTP.Register(mux)
		s.slaveHTTP.Register(mux)
	}

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	if s.sup != nil {
		mux.HandleFunc("/supervisor/status", s.handleSupervisorStatus)
	}
	mux.HandleFunc("/admin/admission-mode", s.handleAdmissionMode)

	if s.hub != nil {
		mux.HandleFunc("/stats/stream", dashboard.Handler(s.hub))
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStats implements spec.md §6.1's GET /stats observability endpoint.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Stats())
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sup.Statuses())
}

// handleAdmissionMode is the additive operator endpoint generalized from
// the teacher's /admin/admission-mode (SPEC_FULL.md §4): GET returns the
// current mode, POST sets it.
func (s *Server) handleAdmissionMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"mode": string(s.orch.Mode())})
	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		mode := orchestrator.AdmissionMode(req.Mode)
		switch mode {
		case orchestrator.Normal, orchestrator.Degraded, orchestrator.Draining:
			s.orch.SetMode(mode)
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "unknown admission mode", http.StatusBadRequest)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// LogNotifier adapts a humanrequest.Store's transition events into
// a log line, the minimal stand-in for the out-of-scope external messenger
// (spec.md §6.3 — the core holds no knowledge of the real transport).
func LogNotifier(snap humanrequest.HumanRequest) {
	log.Printf("[HUMAN-REQUEST] %s kind=%s state=%s title=%q", snap.ID, snap.Kind, snap.State, snap.Title)
}
