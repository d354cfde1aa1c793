// Package version determines this process's source-control commit id at
// boot and compares it against peer-reported values (spec.md §4.2).
package version

import (
	"log"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Unknown is the sentinel used when the commit id cannot be determined.
const Unknown = "unknown"

var shortCommitPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// Probe holds the resolved commit id for this process, computed once at
// startup via an out-of-band `git` invocation. It is immutable after
// construction, matching spec.md §9's "global mutable state" design note.
type Probe struct {
	commit     string
	resolvedAt time.Time
}

// NewProbe runs `git rev-parse --short HEAD` in dir (typically the binary's
// working directory or source root) and captures the result. Any failure —
// missing git, not a repo, unexpected output — degrades to Unknown with a
// warning rather than failing startup.
func NewProbe(dir string) *Probe {
	p := &Probe{commit: Unknown, resolvedAt: time.Now()}

	out, err := exec.Command("git", "-C", dir, "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		log.Printf("[VERSION] unable to determine commit id: %v; version checks will be skipped", err)
		return p
	}

	commit := strings.ToLower(strings.TrimSpace(string(out)))
	if !shortCommitPattern.MatchString(commit) {
		log.Printf("[VERSION] unexpected git output %q; version checks will be skipped", commit)
		return p
	}

	p.commit = commit
	return p
}

// NewStaticProbe constructs a Probe from an already-known commit string,
// used by tests and by callers that resolve the commit some other way (e.g.
// an embedded build-time ldflags value).
func NewStaticProbe(commit string) *Probe {
	commit = strings.ToLower(strings.TrimSpace(commit))
	if commit == "" || !shortCommitPattern.MatchString(commit) {
		commit = Unknown
	}
	return &Probe{commit: commit, resolvedAt: time.Now()}
}

// Commit returns the resolved commit id, or Unknown.
func (p *Probe) Commit() string { return p.commit }

// IsKnown reports whether a real commit id was resolved.
func (p *Probe) IsKnown() bool { return p.commit != Unknown }

// Matches reports whether peerCommit is an exact, case-insensitive match
// for this probe's commit. If either side is Unknown, the comparison is
// skipped (reports true) per spec.md §4.2's "version checks are skipped"
// behavior — callers that need to distinguish "skipped" from "matched"
// should check IsKnown first.
func (p *Probe) Matches(peerCommit string) bool {
	if !p.IsKnown() {
		return true
	}
	peerCommit = strings.ToLower(strings.TrimSpace(peerCommit))
	if peerCommit == Unknown || peerCommit == "" {
		return true
	}
	return p.commit == peerCommit
}
