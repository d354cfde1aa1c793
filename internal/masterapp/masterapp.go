// Package masterapp wires and runs the orchestration core's full HTTP
// surface: the task queue, worker registry, slave manager, orchestrator
// assignment loop, and every ambient collaborator (idempotency, history,
// dashboard, supervisor status), the way control_plane/main.go wires the
// teacher's equivalent pieces. It is shared by cmd/master and `swarmctl
// orchestrator` (spec.md §6.6) so the wiring lives in exactly one place.
package masterapp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/taskswarm/core/internal/api"
	"github.com/taskswarm/core/internal/config"
	"github.com/taskswarm/core/internal/dashboard"
	"github.com/taskswarm/core/internal/history"
	"github.com/taskswarm/core/internal/humanrequest"
	"github.com/taskswarm/core/internal/idempotency"
	"github.com/taskswarm/core/internal/orchestrator"
	"github.com/taskswarm/core/internal/slave"
	"github.com/taskswarm/core/internal/supervisor"
	"github.com/taskswarm/core/internal/task"
	"github.com/taskswarm/core/internal/transport"
	"github.com/taskswarm/core/internal/version"
	"github.com/taskswarm/core/internal/worker"
)

// Run builds the master stack and serves it until ctx is cancelled. It
// returns only on a fatal wiring error or a graceful shutdown.
func Run(ctx context.Context, cfg *config.Snapshot) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("masterapp: %w", err)
	}
	probe := version.NewProbe(wd)

	queue := task.NewQueue()

	tr := transport.New(transport.Options{
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      3,
		CircuitThreshold: cfg.CircuitThresh,
		Cooldown:         cfg.CircuitCooldown,
		CallTimeout:      10 * time.Second,
		HostRate:         5,
		HostBurst:        10,
	})

	humanReqs, err := humanrequest.NewStore(cfg.DataDir, api.LogNotifier)
	if err != nil {
		return fmt.Errorf("masterapp: human-request store: %w", err)
	}

	onTransition := func(slaveID string, status slave.Status) {
		kind := "operator_review"
		title := fmt.Sprintf("slave %s requires attention", slaveID)
		if status == slave.VersionMismatch {
			kind = "version_drift"
		}
		if _, err := humanReqs.Create(kind, title, fmt.Sprintf("slave %s transitioned to %s", slaveID, status), 50, 0, "master"); err != nil {
			log.Printf("[MASTER] failed to raise human request for %s: %v", slaveID, err)
		}
	}

	slaves, err := slave.NewManager(cfg.DataDir, tr, probe, cfg.HealthInterval, onTransition)
	if err != nil {
		return fmt.Errorf("masterapp: slave manager: %w", err)
	}

	var orch *orchestrator.Orchestrator
	workers := worker.NewRegistry(cfg.HeartbeatTTL, func(workerID, taskID string) {
		if err := orch.MarkFailed(taskID, fmt.Sprintf("worker %s went offline", workerID), true); err != nil {
			log.Printf("[MASTER] requeue on offline worker %s failed for task %s: %v", workerID, taskID, err)
		}
	})

	histCtx, histCancel := context.WithTimeout(ctx, 10*time.Second)
	hist, err := history.NewRecorder(histCtx, cfg.DatabaseURL)
	histCancel()
	if err != nil {
		log.Printf("[MASTER] history recorder disabled: %v", err)
		hist = nil
	}
	defer hist.Close()

	orch = orchestrator.New(queue, workers, slaves, hist, cfg.TaskTimeout)

	var idemBackend idempotency.Backend
	if cfg.RedisAddr != "" {
		idemBackend = idempotency.NewRedisBackend(cfg.RedisAddr)
	}
	idem := idempotency.NewStore(idemBackend)

	hub := dashboard.NewHub(func() any { return orch.Stats() }, time.Second)
	go hub.Run(ctx)

	sup := supervisor.New(nil, supervisor.Options{
		LockPath:      cfg.DataDir + "/supervisor.lock",
		RestartBudget: cfg.SupervisorRestartBudget,
		CheckInterval: cfg.SupervisorCheckInterval,
	})

	srv := api.New(orch, workers, orch, slaves, humanReqs, sup, hub, idem, 25*time.Second)

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()
	go workers.RunLivenessLoop(stopCh)
	go slaves.RunHealthLoop(ctx, stopCh)

	go orch.Run(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[MASTER] listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("masterapp: server failed: %w", err)
	case <-ctx.Done():
		log.Println("[MASTER] shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
		orch.Stop()
		return nil
	}
}
