package slave

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistedFile is the on-disk shape of slaves/config.json.
type persistedFile struct {
	Slaves map[string]*Slave `json:"slaves"`
}

// loadFromDisk reads path if it exists, returning an empty map otherwise.
func loadFromDisk(path string) (map[string]*Slave, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*Slave), nil
	}
	if err != nil {
		return nil, fmt.Errorf("slave: reading %s: %w", path, err)
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("slave: parsing %s: %w", path, err)
	}
	if pf.Slaves == nil {
		pf.Slaves = make(map[string]*Slave)
	}
	return pf.Slaves, nil
}

// saveToDisk writes the registry atomically: write to a temp file in the
// same directory, then rename over the target (spec.md §5, "writes are
// atomic via write to temp file + rename").
func saveToDisk(path string, slaves map[string]*Slave) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("slave: creating data dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(persistedFile{Slaves: slaves}, "", "  ")
	if err != nil {
		return fmt.Errorf("slave: marshaling registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("slave: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("slave: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("slave: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("slave: renaming into place: %w", err)
	}
	return nil
}
