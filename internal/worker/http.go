package worker

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/taskswarm/core/internal/task"
)

// Queue is the subset of task.Queue the worker HTTP surface needs to
// resolve a completed or failed task reported by a poller.
type Queue interface {
	MarkCompleted(id string, result []byte) error
	MarkFailed(id string, errMsg string, requeue bool) error
}

// Handler wires the registry to spec.md §4.5's HTTP surface:
//
//	POST /workers/register
//	POST /workers/{id}/heartbeat
//	GET  /workers/{id}/poll
//	POST /workers/{id}/result
type Handler struct {
	registry *Registry
	queue    Queue
	pollWait time.Duration
}

// NewHandler builds a Handler. pollWait of 0 uses DefaultPollWait.
func NewHandler(registry *Registry, queue Queue, pollWait time.Duration) *Handler {
	if pollWait <= 0 {
		pollWait = DefaultPollWait
	}
	return &Handler{registry: registry, queue: queue, pollWait: pollWait}
}

// Register mounts the worker endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/workers/register", h.HandleRegister)
	h.RegisterScoped(mux)
}

// RegisterScoped mounts only the /workers/{id}/... routes, letting a caller
// mount /workers/register separately (wrapped in idempotency caching, for
// instance) without tripping http.ServeMux's duplicate-pattern panic.
func (h *Handler) RegisterScoped(mux *http.ServeMux) {
	mux.HandleFunc("/workers/", h.handleWorkerScoped)
}

// HandleRegister handles POST /workers/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WorkerID     string   `json:"worker_id"`
		Kind         string   `json:"kind"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.registry.Register(req.WorkerID, req.Kind, req.Capabilities)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"worker_id": req.WorkerID, "status": "registered"})
}

// handleWorkerScoped dispatches /workers/{id}/heartbeat|poll|result.
func (h *Handler) handleWorkerScoped(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/workers/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, action := parts[0], parts[1]

	switch action {
	case "heartbeat":
		h.handleHeartbeat(w, r, id)
	case "poll":
		h.handlePoll(w, r, id)
	case "result":
		h.handleResult(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.registry.Heartbeat(id); err != nil {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	assignment, ok, err := h.registry.Poll(id, h.pollWait)
	if err != nil {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"task_id": assignment.TaskID,
		"kind":    assignment.Kind,
		"payload": assignment.Payload,
	})
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskID  string `json:"task_id"`
		Success bool   `json:"success"`
		Result  []byte `json:"result"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.ReportResult(id); err != nil {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}

	var queueErr error
	if req.Success {
		queueErr = h.queue.MarkCompleted(req.TaskID, req.Result)
	} else {
		queueErr = h.queue.MarkFailed(req.TaskID, req.Error, true)
	}
	if queueErr != nil && queueErr != task.ErrNotFound {
		log.Printf("[WORKER] result for %s could not be applied to task %s: %v", id, req.TaskID, queueErr)
	}

	w.WriteHeader(http.StatusOK)
}
