package slave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskswarm/core/internal/transport"
	"github.com/taskswarm/core/internal/version"
)

// ErrNotFound is returned when an operation names an unregistered slave id.
var ErrNotFound = errors.New("slave: not found")

// DefaultHealthInterval, DefaultHealthTimeout, DefaultUnhealthyAfter match
// spec.md §4.4.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 10 * time.Second
	DefaultUnhealthyAfter = 2
)

// TransitionHandler is invoked exactly once per entry into Unhealthy or
// VersionMismatch, letting the caller fire a HumanRequestStore.Create.
type TransitionHandler func(slaveID string, status Status)

// healthResponse is GET /health's body (spec.md §6.1).
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Methods struct {
		Container   bool `json:"container"`
		Venv        bool `json:"venv"`
		Interpreter bool `json:"interpreter"`
	} `json:"methods"`
}

// ExecuteRequest is the body sent to POST /execute.
type ExecuteRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
}

// ExecuteResult is /execute's response body.
type ExecuteResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Method   string `json:"method"`
	ExitCode int    `json:"exit_code"`
}

// Manager is the durable slave registry plus health loop plus dispatch path.
type Manager struct {
	mu     sync.Mutex
	slaves map[string]*Slave
	path   string

	transport      *transport.Transport
	probe          *version.Probe
	healthInterval time.Duration
	onTransition   TransitionHandler
}

// NewManager loads (or creates) the registry file under dataDir and returns
// a ready Manager. healthInterval of 0 uses DefaultHealthInterval.
func NewManager(dataDir string, tr *transport.Transport, probe *version.Probe, healthInterval time.Duration, onTransition TransitionHandler) (*Manager, error) {
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	path := filepath.Join(dataDir, "slaves", "config.json")
	slaves, err := loadFromDisk(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		slaves:         slaves,
		path:           path,
		transport:      tr,
		probe:          probe,
		healthInterval: healthInterval,
		onTransition:   onTransition,
	}, nil
}

func (m *Manager) hostPort(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// RegisterSlave probes /health and stores the record regardless of probe
// outcome; initial status is set from the probe result (spec.md §4.4).
func (m *Manager) RegisterSlave(ctx context.Context, id, host string, port int, token string, capabilities []string) (*Slave, error) {
	m.mu.Lock()
	if existing, ok := m.slaves[id]; ok && existing.Host == host && existing.Port == port {
		// Re-registration with identical parameters: idempotent, no
		// duplicate record (spec.md §8).
		existing.AuthToken = token
		existing.Capabilities = capabilities
		s := *existing
		m.mu.Unlock()
		return &s, nil
	}
	m.mu.Unlock()

	s := &Slave{
		ID:           id,
		Host:         host,
		Port:         port,
		AuthToken:    token,
		Capabilities: capabilities,
		Status:       Unknown,
	}

	hp := m.hostPort(host, port)
	body, err := m.transport.Get(ctx, hp, fmt.Sprintf("http://%s/health", hp), nil)
	if err == nil {
		var hr healthResponse
		if jsonErr := json.Unmarshal(body, &hr); jsonErr == nil {
			s.LastSeenCommit = hr.Commit
			s.LastHealthAt = time.Now()
			if m.probe.Matches(hr.Commit) {
				s.Status = Healthy
			} else {
				s.Status = VersionMismatch
			}
		}
	} else {
		log.Printf("[SLAVE-MGR] initial health probe for %s failed: %v", id, err)
		s.Status = Unhealthy
	}

	m.mu.Lock()
	m.slaves[id] = s
	err = saveToDisk(m.path, m.slaves)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if (s.Status == Unhealthy || s.Status == VersionMismatch) && m.onTransition != nil {
		go m.onTransition(id, s.Status)
	}
	return s, nil
}

// RemoveSlave deletes the record. The caller is responsible for requeuing
// any in-flight task the slave held (the manager has no view of tasks).
func (m *Manager) RemoveSlave(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slaves[id]; !ok {
		return false
	}
	delete(m.slaves, id)
	if err := saveToDisk(m.path, m.slaves); err != nil {
		log.Printf("[SLAVE-MGR] failed to persist registry after removing %s: %v", id, err)
	}
	return true
}

// FindAvailableSlave returns a Healthy slave whose capabilities are a
// superset of required, preferring the least-recently-assigned.
func (m *Manager) FindAvailableSlave(required []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Slave
	for _, s := range m.slaves {
		if s.Status != Healthy {
			continue
		}
		if !s.matchesCapabilities(required) {
			continue
		}
		if best == nil || s.lastAssignedAt.Before(best.lastAssignedAt) {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// ExecuteOnSlave builds an /execute request and dispatches it via the
// transport. Returns a typed error on transport failure.
func (m *Manager) ExecuteOnSlave(ctx context.Context, slaveID string, req ExecuteRequest) (*ExecuteResult, error) {
	m.mu.Lock()
	s, ok := m.slaves[slaveID]
	if ok {
		s.lastAssignedAt = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("slave: marshaling execute request: %w", err)
	}

	hp := m.hostPort(s.Host, s.Port)
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + s.AuthToken,
	}

	var timeoutOverride time.Duration
	if req.Timeout > 0 {
		timeoutOverride = time.Duration(req.Timeout)*time.Second + 5*time.Second
	}

	respBody, err := m.transport.Post(ctx, hp, fmt.Sprintf("http://%s/execute", hp), headers, body, timeoutOverride)
	if err != nil {
		return nil, err
	}

	var result ExecuteResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("slave: decoding execute response: %w", err)
	}
	return &result, nil
}

// Get returns a snapshot copy of a slave by id.
func (m *Manager) Get(id string) (Slave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slaves[id]
	if !ok {
		return Slave{}, false
	}
	return *s, true
}

// Counts returns slave counts grouped by status, for the /stats endpoint.
func (m *Manager) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Status]int{Healthy: 0, Unhealthy: 0, VersionMismatch: 0, Unknown: 0}
	for _, s := range m.slaves {
		out[s.Status]++
	}
	return out
}

// checkOne performs a single /health probe against a slave and applies the
// resulting status transition, per spec.md §4.4's three-step health loop.
func (m *Manager) checkOne(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.slaves[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	hp := m.hostPort(s.Host, s.Port)
	probeCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	body, err := m.transport.GetNoRetry(probeCtx, hp, fmt.Sprintf("http://%s/health", hp), nil)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	prevStatus := s.Status

	if err != nil {
		s.consecutiveFail++
		if s.consecutiveFail >= DefaultUnhealthyAfter {
			s.Status = Unhealthy
		}
	} else {
		var hr healthResponse
		if jsonErr := json.Unmarshal(body, &hr); jsonErr != nil {
			s.consecutiveFail++
			if s.consecutiveFail >= DefaultUnhealthyAfter {
				s.Status = Unhealthy
			}
		} else {
			s.consecutiveFail = 0
			s.LastSeenCommit = hr.Commit
			s.LastHealthAt = time.Now()
			if m.probe.Matches(hr.Commit) {
				s.Status = Healthy
			} else {
				s.Status = VersionMismatch
			}
		}
	}

	if err := saveToDisk(m.path, m.slaves); err != nil {
		log.Printf("[SLAVE-MGR] failed to persist registry after health check of %s: %v", id, err)
	}

	if prevStatus != s.Status && (s.Status == Unhealthy || s.Status == VersionMismatch) && m.onTransition != nil {
		go m.onTransition(id, s.Status)
	}
}

// RunHealthLoop polls every registered slave's /health every healthInterval
// until stopCh is closed.
func (m *Manager) RunHealthLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.slaves))
			for id := range m.slaves {
				ids = append(ids, id)
			}
			m.mu.Unlock()
			for _, id := range ids {
				m.checkOne(ctx, id)
			}
		case <-stopCh:
			return
		}
	}
}
