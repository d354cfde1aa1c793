package installer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskswarm/core/internal/transport"
)

func stageServer(t *testing.T, stdoutByStage map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		stdout := "ok"
		for stage, out := range stdoutByStage {
			if strings.Contains(req.Command, stage) {
				stdout = out
			}
		}
		json.NewEncoder(w).Encode(executeResponse{Success: true, Stdout: stdout, ExitCode: 0})
	}))
}

func TestInstallAllStagesSucceed(t *testing.T) {
	srv := stageServer(t, map[string]string{"validate-probe": "OK"})
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tr := transport.New(transport.Options{MaxAttempts: 1, CallTimeout: 2 * time.Second})
	inst := New(tr)

	report := inst.Install(context.Background(), Spec{
		Host: "127.0.0.1", Port: addr.Port, Token: "tok",
		RepoURL: "https://example.test/repo.git", Ref: "main", WorkingDir: "/srv/app",
		BaselineDepsCmd:  "pip install -r requirements-base.txt",
		RemainingDepsCmd: "pip install -r requirements.txt",
		ValidateCmd:      "validate-probe",
		StrategyDelay:    time.Millisecond,
	})

	if !report.Success {
		t.Fatalf("expected overall success, got %+v", report)
	}
	if len(report.Stages) != 5 {
		t.Fatalf("expected 5 stages recorded, got %d", len(report.Stages))
	}
}

func TestInstallFatalStageStopsPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Command, "git clone") {
			json.NewEncoder(w).Encode(executeResponse{Success: false, Stderr: "network unreachable", ExitCode: 1})
			return
		}
		json.NewEncoder(w).Encode(executeResponse{Success: true, Stdout: "OK"})
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tr := transport.New(transport.Options{MaxAttempts: 1, CallTimeout: 2 * time.Second})
	inst := New(tr)

	report := inst.Install(context.Background(), Spec{
		Host: "127.0.0.1", Port: addr.Port, Token: "tok",
		RepoURL: "https://example.test/repo.git", Ref: "main", WorkingDir: "/srv/app",
		ValidateCmd:   "validate-probe",
		StrategyDelay: time.Millisecond,
	})

	if report.Success {
		t.Fatalf("expected failure when clone stage fails")
	}
	if len(report.Stages) != 1 {
		t.Fatalf("expected pipeline to stop after the fatal clone stage, got %d stages", len(report.Stages))
	}
}

func TestInstallRemainingDepsFailureIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Command, "requirements.txt") && !strings.Contains(req.Command, "base") {
			json.NewEncoder(w).Encode(executeResponse{Success: false, Stderr: "one optional package failed", ExitCode: 1})
			return
		}
		json.NewEncoder(w).Encode(executeResponse{Success: true, Stdout: "OK"})
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	tr := transport.New(transport.Options{MaxAttempts: 1, CallTimeout: 2 * time.Second})
	inst := New(tr)

	report := inst.Install(context.Background(), Spec{
		Host: "127.0.0.1", Port: addr.Port, Token: "tok",
		RepoURL: "https://example.test/repo.git", Ref: "main", WorkingDir: "/srv/app",
		BaselineDepsCmd:  "pip install -r requirements-base.txt",
		RemainingDepsCmd: "pip install -r requirements.txt",
		ValidateCmd:      "validate-probe",
		StrategyDelay:    time.Millisecond,
	})

	if !report.Success {
		t.Fatalf("expected overall success despite non-fatal remaining_deps failure, got %+v", report)
	}
	if len(report.Stages) != 5 {
		t.Fatalf("expected all 5 stages to still run, got %d", len(report.Stages))
	}
}
