package orchestrator

import (
	"crypto/rand"
	"fmt"
	"io"
)

// newTaskID generates a random UUID-like identifier, following the same
// construction fluxforge/agent/config.go uses for node ids.
func newTaskID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// crypto/rand failing is unrecoverable; the process cannot safely
		// generate unique ids.
		panic(fmt.Sprintf("orchestrator: failed to generate task id: %v", err))
	}
	b[8] = b[8]&0x3f | 0x80
	b[6] = b[6]&0x0f | 0x40
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
