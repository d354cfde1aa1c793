// Package slaveapp wires and runs the SlaveExecutor HTTP surface (spec.md
// §4.3), shared by cmd/slave and `swarmctl slave` (spec.md §6.6).
package slaveapp

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/taskswarm/core/internal/config"
	"github.com/taskswarm/core/internal/slaveexec"
	"github.com/taskswarm/core/internal/version"
)

// Run builds the SlaveExecutor server and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Snapshot) error {
	if err := cfg.RequireSlaveToken(); err != nil {
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("slaveapp: %w", err)
	}
	probe := version.NewProbe(wd)
	log.Printf("[SLAVE-EXEC] starting. commit=%s", probe.Commit())

	srv := slaveexec.NewServer(slaveexec.Options{
		Token:                   cfg.SlaveToken,
		MaxConcurrentExecutions: 1,
		UploadRoot:              cfg.DataDir,
		VersionString:           "0.1.0",
		Branch:                  "main",
		Probe:                   probe,
		Backend:                 &slaveexec.BackendProbe{ContainerImage: os.Getenv("SLAVE_CONTAINER_IMAGE")},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.SlaveHost, cfg.SlavePort) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("slaveapp: server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Println("[SLAVE-EXEC] shutting down")
		return nil
	}
}
