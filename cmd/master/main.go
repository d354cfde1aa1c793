// Command master runs the orchestration core's HTTP surface (spec.md §6).
// The wiring itself lives in internal/masterapp, shared with `swarmctl
// orchestrator`.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskswarm/core/internal/config"
	"github.com/taskswarm/core/internal/masterapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[MASTER] received shutdown signal")
		cancel()
	}()

	if err := masterapp.Run(ctx, cfg); err != nil {
		log.Fatalf("[MASTER] %v", err)
	}
}
