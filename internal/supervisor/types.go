// Package supervisor owns a fixed set of long-lived local child processes:
// it spawns them, auto-restarts crashed children under a bounded retry
// budget, prevents duplicate supervisors via a pid-file lock, and terminates
// every child gracefully on shutdown (spec.md §4.8, C8).
package supervisor

import (
	"os/exec"
	"time"
)

// ProcessSpec is the static configuration of one supervised child
// (spec.md §3's SupervisedProcess, the configuration half).
type ProcessSpec struct {
	Name    string
	Command []string // argv[0] plus arguments
	Dir     string   // working directory, "" uses the supervisor's own
	Enabled bool
}

// maxStderrLines is how many trailing stderr lines the health scan logs on
// a crash (spec.md §4.8: "tail of captured stderr (last 10 lines)").
const maxStderrLines = 10

// runtimeState is the mutable half of a SupervisedProcess: everything that
// changes as the child is started, crashes, and is restarted.
type runtimeState struct {
	spec ProcessSpec

	cmd          *exec.Cmd
	pid          int
	startedAt    time.Time
	restartCount int
	lastExit     string
	terminal     bool // restart_count == restart_budget; no more auto-restart

	stderrTail *ringBuffer
	exited     chan struct{} // closed when cmd.Wait returns
}

// ringBuffer keeps the last n lines appended to it.
type ringBuffer struct {
	n     int
	lines []string
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{n: n}
}

func (b *ringBuffer) add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *ringBuffer) tail() []string {
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
