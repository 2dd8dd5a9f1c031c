// Command tspmd is the supervision daemon's entrypoint, grounded on
// provisr's cmd/provisr/main.go cobra root-command pattern but pared down
// per spec.md's explicit scoping: provisr's cmd/provisr carries ~6000
// lines of registry/auth/template/session subcommands that spec.md's
// Non-goals exclude from this daemon; tspmd keeps only what a process
// supervisor's entrypoint needs — load a config file, run the engine,
// and shut down cleanly on signal. Runtime control (start/stop/status)
// is the job of the control API (internal/apiserver) and its client
// (pkg/tspmclient), not a CLI subcommand tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tspmhq/tspm"
	"github.com/tspmhq/tspm/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var autoStart bool

	root := &cobra.Command{
		Use:   "tspmd",
		Short: "tspm supervision daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, autoStart)
		},
	}
	root.Flags().StringVar(&configPath, "config", "tspm.toml", "path to the daemon config file")
	root.Flags().BoolVar(&autoStart, "auto-start", true, "start every declared process immediately at boot")
	return root
}

func run(ctx context.Context, configPath string, autoStart bool) error {
	logger := slog.Default()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("tspmd: load config: %w", err)
	}

	d, err := tspm.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("tspmd: construct daemon: %w", err)
	}

	if err := d.LoadSpecs(ctx); err != nil {
		return fmt.Errorf("tspmd: load specs: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("tspmd: start: %w", err)
	}
	if autoStart {
		for name, startErr := range d.StartAll(ctx) {
			if startErr != nil {
				logger.Error("tspmd: autostart failed", "process", name, "error", startErr)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("tspmd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}
