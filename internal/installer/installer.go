// Package installer is the one-shot remote bootstrap that brings an online
// slave from a bare host to a registerable executor: staged dependency
// install plus validation, driven entirely over internal/transport
// (spec.md §4.10, C10 SlaveInstaller).
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskswarm/core/internal/transport"
)

// Stage timeouts follow spec.md §9's "the spec chooses the upper envelope
// values" resolution of the conflicting 300s/600s figures observed in the
// source.
const (
	CloneTimeout       = 180 * time.Second
	VenvTimeout        = 60 * time.Second
	BaselineDepsTimeout = 120 * time.Second
	RemainingDepsTimeout = 600 * time.Second
	ValidateTimeout    = 60 * time.Second

	// DefaultStrategyDelay is the pause between stages so the remote can
	// release filesystem locks (spec.md §4.10).
	DefaultStrategyDelay = 5 * time.Second
)

// StageResult is one stage's outcome within the installer's report.
type StageResult struct {
	Stage    string `json:"stage"`
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Fatal    bool   `json:"fatal"`
	Err      string `json:"error,omitempty"`
}

// Report is the structured, per-stage installer outcome returned to the
// caller so it can decide whether to register the slave (spec.md §4.10).
type Report struct {
	Stages  []StageResult `json:"stages"`
	Success bool          `json:"success"`
}

// Spec names what to install: the repository to clone/update and the
// dependency manifests to install in each of the two dependency stages.
type Spec struct {
	Host            string
	Port            int
	Token           string
	RepoURL         string
	Ref             string
	WorkingDir      string
	BaselineDepsCmd string // e.g. "pip install -r requirements-base.txt"
	RemainingDepsCmd string // e.g. "pip install -r requirements.txt"
	ValidateCmd     string // expected to print "OK" on stdout when healthy
	StrategyDelay   time.Duration
}

// Installer drives a Spec's stages over a shared transport.
type Installer struct {
	tr *transport.Transport
}

// New builds an Installer using tr for every stage's /execute call.
func New(tr *transport.Transport) *Installer {
	return &Installer{tr: tr}
}

type executeRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
}

type executeResponse struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Install runs every stage in order, stopping early only on a fatal stage
// failure (clone, venv creation, or baseline deps); the remaining-deps
// stage is explicitly non-fatal per spec.md §4.10 and validate always runs
// if the preceding fatal stages succeeded.
func (i *Installer) Install(ctx context.Context, spec Spec) Report {
	delay := spec.StrategyDelay
	if delay <= 0 {
		delay = DefaultStrategyDelay
	}

	var report Report
	report.Success = true

	runStage := func(name, command string, timeout time.Duration, fatal bool) StageResult {
		res := i.runOne(ctx, spec, name, command, timeout, fatal)
		report.Stages = append(report.Stages, res)
		if !res.Success && res.Fatal {
			report.Success = false
		}
		return res
	}

	cloneCmd := fmt.Sprintf("git clone --branch %s %s %s || (cd %s && git fetch origin %s && git reset --hard origin/%s)",
		shellQuote(spec.Ref), shellQuote(spec.RepoURL), shellQuote(spec.WorkingDir),
		shellQuote(spec.WorkingDir), shellQuote(spec.Ref), shellQuote(spec.Ref))
	clone := runStage("clone", cloneCmd, CloneTimeout, true)
	if !clone.Success {
		return report
	}
	sleepBetweenStages(ctx, delay)

	venv := runStage("venv", "python3 -m venv .venv", VenvTimeout, true)
	if !venv.Success {
		return report
	}
	sleepBetweenStages(ctx, delay)

	baseline := runStage("baseline_deps", spec.BaselineDepsCmd, BaselineDepsTimeout, true)
	if !baseline.Success {
		return report
	}
	sleepBetweenStages(ctx, delay)

	// Non-fatal: a partial dependency install does not abort the pipeline.
	runStage("remaining_deps", spec.RemainingDepsCmd, RemainingDepsTimeout, false)
	sleepBetweenStages(ctx, delay)

	validate := runStage("validate", spec.ValidateCmd, ValidateTimeout, true)
	report.Success = report.Success && validate.Success && strings.Contains(validate.Stdout, "OK")
	return report
}

func (i *Installer) runOne(ctx context.Context, spec Spec, name, command string, timeout time.Duration, fatal bool) StageResult {
	body, err := json.Marshal(executeRequest{
		Command:    command,
		WorkingDir: spec.WorkingDir,
		Timeout:    int(timeout.Seconds()),
	})
	if err != nil {
		return StageResult{Stage: name, Fatal: fatal, Err: err.Error()}
	}

	hp := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + spec.Token,
	}

	respBody, err := i.tr.Post(ctx, hp, fmt.Sprintf("http://%s/execute", hp), headers, body, timeout+10*time.Second)
	if err != nil {
		return StageResult{Stage: name, Fatal: fatal, Err: err.Error()}
	}

	var resp executeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return StageResult{Stage: name, Fatal: fatal, Err: fmt.Sprintf("decoding /execute response: %v", err)}
	}
	return StageResult{
		Stage:    name,
		Success:  resp.Success,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Fatal:    fatal,
	}
}

func sleepBetweenStages(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// shellQuote wraps v in single quotes, escaping any embedded single quote.
// The installer only ever substitutes operator-supplied repo URLs/refs, but
// quoting keeps the generated command safe regardless.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
