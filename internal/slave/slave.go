// Package slave implements the registry, health loop, and dispatch path
// for remote HTTP-reachable executors (spec.md §4.4, C4 SlaveManager).
package slave

import "time"

// Status is the health state of a registered Slave.
type Status string

const (
	Healthy         Status = "healthy"
	Unhealthy       Status = "unhealthy"
	VersionMismatch Status = "version_mismatch"
	Unknown         Status = "unknown"
)

// Slave is a remote executor reachable over HTTP.
type Slave struct {
	ID           string   `json:"id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AuthToken    string   `json:"auth_token"`
	Capabilities []string `json:"capabilities"`

	Status          Status    `json:"status"`
	LastSeenCommit  string    `json:"last_seen_commit,omitempty"`
	LastHealthAt    time.Time `json:"last_health_at,omitempty"`
	lastAssignedAt  time.Time
	consecutiveFail int
}

func (s *Slave) matchesCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}
