// Command slave runs the SlaveExecutor HTTP surface (spec.md §4.3). The
// wiring itself lives in internal/slaveapp, shared with `swarmctl slave`.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskswarm/core/internal/config"
	"github.com/taskswarm/core/internal/slaveapp"
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
		log.Println("[SLAVE-EXEC] received shutdown signal")
		cancel()
	}()

	if err := slaveapp.Run(ctx, cfg); err != nil {
		log.Fatalf("[SLAVE-EXEC] %v", err)
	}
}
