package slave

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Handler mounts the operator-facing slave-registry endpoints on the
// master: registration (used by `swarmctl add-slave`) and removal.
// Dispatch itself (ExecuteOnSlave) is invoked internally by the
// orchestrator, not over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler builds a Handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// Register mounts the slave endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/slaves/register", h.HandleRegister)
	h.RegisterScoped(mux)
}

// RegisterScoped mounts only the /slaves/{id} routes, letting a caller
// mount /slaves/register separately (wrapped in idempotency caching, for
// instance) without tripping http.ServeMux's duplicate-pattern panic.
func (h *Handler) RegisterScoped(mux *http.ServeMux) {
	mux.HandleFunc("/slaves/", h.handleScoped)
}

// HandleRegister handles POST /slaves/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID           string   `json:"id"`
		Host         string   `json:"host"`
		Port         int      `json:"port"`
		Token        string   `json:"token"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Host == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s, err := h.manager.RegisterSlave(r.Context(), req.ID, req.Host, req.Port, req.Token, req.Capabilities)
	if err != nil {
		http.Error(w, "failed to register slave", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (h *Handler) handleScoped(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/slaves/")
	if id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if !h.manager.RemoveSlave(id) {
			http.Error(w, "slave not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s, ok := h.manager.Get(id)
		if !ok {
			http.Error(w, "slave not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
