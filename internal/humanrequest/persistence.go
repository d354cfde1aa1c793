package humanrequest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The on-disk file is an append-only JSON-lines log: every Create/transition
// appends the item's latest snapshot as one line (spec.md §6.4, "append-only
// with compaction on start"). Replaying the log and keeping the last line
// per id reconstructs current state; compact rewrites the file down to one
// line per id so the log does not grow without bound across restarts.

// loadAndCompact reads path (if present), replays every line keeping the
// last snapshot per id, and atomically rewrites the file to just that set.
func loadAndCompact(path string) (map[string]*HumanRequest, error) {
	requests, err := replay(path)
	if err != nil {
		return nil, err
	}
	if len(requests) > 0 {
		if err := compact(path, requests); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

func replay(path string) (map[string]*HumanRequest, error) {
	requests := make(map[string]*HumanRequest)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return requests, nil
	}
	if err != nil {
		return nil, fmt.Errorf("humanrequest: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r HumanRequest
		if err := json.Unmarshal(line, &r); err != nil {
			continue // a truncated trailing line from a crash mid-append
		}
		cp := r
		requests[r.ID] = &cp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("humanrequest: reading %s: %w", path, err)
	}
	return requests, nil
}

// appendEvent appends req's current snapshot as one JSON line.
func appendEvent(path string, req *HumanRequest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("humanrequest: creating data dir %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("humanrequest: opening %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("humanrequest: marshaling %s: %w", req.ID, err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("humanrequest: appending %s: %w", path, err)
	}
	return nil
}

// compact rewrites path atomically (temp file + rename) to one line per id,
// the same durability strategy internal/slave's persistence uses.
func compact(path string, requests map[string]*HumanRequest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("humanrequest: creating data dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".requests-*.json.tmp")
	if err != nil {
		return fmt.Errorf("humanrequest: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	for _, r := range requests {
		line, err := json.Marshal(r)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("humanrequest: marshaling %s: %w", r.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("humanrequest: writing temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("humanrequest: flushing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("humanrequest: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("humanrequest: renaming into place: %w", err)
	}
	return nil
}
