// Command swarmctl is the single-binary entry point spec.md §6.6 names as
// the "CLI surface (supervisor wrapper)": it runs the orchestrator, a
// slave, or a supervising process depending on the subcommand, and offers
// operator actions (add-slave, install-slave, status) against a running
// master. Exit codes follow spec.md §6.6: 0 success, 1 operational
// failure, 2 misuse.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/taskswarm/core/internal/config"
	"github.com/taskswarm/core/internal/installer"
	"github.com/taskswarm/core/internal/masterapp"
	"github.com/taskswarm/core/internal/slaveapp"
	"github.com/taskswarm/core/internal/supervisor"
	"github.com/taskswarm/core/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	args, configPath := extractConfigFlag(args)
	if configPath != "" {
		if err := loadConfigFile(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "swarmctl: --config %s: %v\n", configPath, err)
			return 2
		}
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: swarmctl <orchestrator|slave|supervisor|add-slave|install-slave|status> [args] [--config path]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: config: %v\n", err)
		return 1
	}

	switch args[0] {
	case "orchestrator":
		return runUntilSignal(func(ctx context.Context) error { return masterapp.Run(ctx, cfg) })
	case "slave":
		return runUntilSignal(func(ctx context.Context) error { return slaveapp.Run(ctx, cfg) })
	case "supervisor":
		return runUntilSignal(func(ctx context.Context) error { return runSupervisor(ctx, cfg) })
	case "add-slave":
		return cmdAddSlave(cfg, args[1:])
	case "install-slave":
		return cmdInstallSlave(cfg, args[1:])
	case "status":
		return cmdStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "swarmctl: unknown subcommand %q\n", args[0])
		return 2
	}
}

// extractConfigFlag pulls a "--config path" pair (in either order relative
// to the subcommand) out of args and returns the remainder.
func extractConfigFlag(args []string) ([]string, string) {
	out := make([]string, 0, len(args))
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			path = args[i+1]
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out, path
}

// loadConfigFile applies KEY=VALUE lines from path to the process
// environment before config.Load reads it, the same override-by-env
// pattern the rest of the core already relies on (spec.md §6.5).
func loadConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return scanner.Err()
}

func runUntilSignal(fn func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := fn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: %v\n", err)
		return 1
	}
	return 0
}

// runSupervisor builds a Supervisor over the roles enabled via
// SWARMCTL_RUN_ORCHESTRATOR / SWARMCTL_RUN_SLAVE, re-exec'ing this same
// binary as managed children (spec.md §4.8 / §6.6's "supervisor wrapper").
func runSupervisor(ctx context.Context, cfg *config.Snapshot) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("swarmctl: resolving self: %w", err)
	}

	specs := []supervisor.ProcessSpec{
		{Name: "orchestrator", Command: []string{self, "orchestrator"}, Enabled: os.Getenv("SWARMCTL_RUN_ORCHESTRATOR") != "false"},
		{Name: "slave", Command: []string{self, "slave"}, Enabled: os.Getenv("SWARMCTL_RUN_SLAVE") == "true"},
	}

	sup := supervisor.New(specs, supervisor.Options{
		LockPath:      cfg.DataDir + "/supervisor.lock",
		RestartBudget: cfg.SupervisorRestartBudget,
		CheckInterval: cfg.SupervisorCheckInterval,
	})
	return sup.Run(ctx)
}

// cmdAddSlave implements `swarmctl add-slave <host:port> <token>`.
func cmdAddSlave(cfg *config.Snapshot, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: swarmctl add-slave <host:port> <token>")
		return 2
	}
	host, portStr, ok := strings.Cut(args[0], ":")
	if !ok {
		fmt.Fprintln(os.Stderr, "swarmctl: add-slave expects host:port")
		return 2
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: add-slave: invalid port")
		return 2
	}
	token := args[1]

	body, _ := json.Marshal(map[string]any{
		"id":    fmt.Sprintf("%s-%d", host, port),
		"host":  host,
		"port":  port,
		"token": token,
	})

	masterURL := fmt.Sprintf("http://%s:%d/slaves/register", masterHost(cfg), cfg.MasterPort)
	resp, err := http.Post(masterURL, "application/json", strings.NewReader(string(body)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: add-slave: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "swarmctl: add-slave: master returned %s\n", resp.Status)
		return 1
	}
	fmt.Printf("slave %s registered\n", args[0])
	return 0
}

// cmdInstallSlave implements `swarmctl install-slave <host:port>`, driving
// C10's dependency-install pipeline against a freshly provisioned slave
// host before it is registered.
func cmdInstallSlave(cfg *config.Snapshot, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmctl install-slave <host:port>")
		return 2
	}
	host, portStr, ok := strings.Cut(args[0], ":")
	if !ok {
		fmt.Fprintln(os.Stderr, "swarmctl: install-slave expects host:port")
		return 2
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl: install-slave: invalid port")
		return 2
	}

	repoURL := os.Getenv("INSTALL_REPO_URL")
	if repoURL == "" {
		fmt.Fprintln(os.Stderr, "swarmctl: install-slave: INSTALL_REPO_URL must be set")
		return 2
	}

	tr := transport.New(transport.Options{
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      3,
		CircuitThreshold: cfg.CircuitThresh,
		Cooldown:         cfg.CircuitCooldown,
		CallTimeout:      60 * time.Second,
		HostRate:         1,
		HostBurst:        2,
	})
	inst := installer.New(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	report := inst.Install(ctx, installer.Spec{
		Host:             host,
		Port:             port,
		Token:            os.Getenv("SLAVE_TOKEN"),
		RepoURL:          repoURL,
		Ref:              getEnvDefault("INSTALL_REF", "main"),
		WorkingDir:       getEnvDefault("INSTALL_WORKDIR", "/srv/swarm-slave"),
		BaselineDepsCmd:  os.Getenv("INSTALL_BASELINE_DEPS_CMD"),
		RemainingDepsCmd: os.Getenv("INSTALL_REMAINING_DEPS_CMD"),
		ValidateCmd:      os.Getenv("INSTALL_VALIDATE_CMD"),
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if !report.Success {
		return 1
	}
	return 0
}

// cmdStatus implements `swarmctl status`, printing the master's /stats
// snapshot (spec.md §6.1).
func cmdStatus(cfg *config.Snapshot) int {
	statusURL := fmt.Sprintf("http://%s:%d/stats", masterHost(cfg), cfg.MasterPort)
	resp, err := http.Get(statusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "swarmctl: status: master returned %s\n", resp.Status)
		return 1
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: status: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(stats)
	return 0
}

func masterHost(cfg *config.Snapshot) string {
	if cfg.MasterHost == "0.0.0.0" {
		return "127.0.0.1"
	}
	return cfg.MasterHost
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
