package slaveexec

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Method names a backend tier (spec.md §4.3).
type Method string

const (
	Container   Method = "container"
	Venv        Method = "venv"
	Interpreter Method = "interpreter"
)

// Methods reports which backends this host can currently serve, surfaced
// verbatim in GET /health.
type Methods struct {
	Container   bool `json:"container"`
	Venv        bool `json:"venv"`
	Interpreter bool `json:"interpreter"`
}

// BackendProbe decides, per request, which of the three execution tiers to
// use: container -> venv -> ambient interpreter (spec.md §4.3's fixed
// priority order). A BackendProbe is safe for concurrent use; it performs
// filesystem/PATH checks with no retained state.
type BackendProbe struct {
	// ContainerImage is the image name a container-backend run must find
	// locally before it is considered available. Empty disables the
	// container tier entirely (e.g. no container runtime configured).
	ContainerImage string
}

// Available reports the three backend flags for GET /health.
func (b *BackendProbe) Available(workingDir string) Methods {
	return Methods{
		Container:   b.containerAvailable(),
		Venv:        b.venvAvailable(workingDir),
		Interpreter: b.interpreterAvailable(),
	}
}

// Select picks the highest-priority available backend for workingDir.
func (b *BackendProbe) Select(workingDir string) Method {
	if b.containerAvailable() {
		return Container
	}
	if b.venvAvailable(workingDir) {
		return Venv
	}
	return Interpreter
}

func (b *BackendProbe) containerAvailable() bool {
	if b.ContainerImage == "" {
		return false
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.Command("docker", "image", "inspect", b.ContainerImage)
	return cmd.Run() == nil
}

func (b *BackendProbe) venvPythonPath(workingDir string) string {
	return filepath.Join(workingDir, "venv", "bin", "python3")
}

func (b *BackendProbe) venvAvailable(workingDir string) bool {
	if workingDir == "" {
		return false
	}
	info, err := os.Stat(b.venvPythonPath(workingDir))
	return err == nil && !info.IsDir()
}

func (b *BackendProbe) interpreterAvailable() bool {
	_, err := exec.LookPath("sh")
	return err == nil
}
