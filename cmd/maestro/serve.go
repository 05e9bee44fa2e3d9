package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/maestro/pkg/config"
	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/orchestrator"
)

// stopTimeout bounds graceful shutdown; jobs still running at expiry keep
// their durable state and recover on the next start.
const stopTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: the caller API, the worker registry with
its probe loop, the job manager, and the ops listener. Flags override the
config file, which overrides built-in defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to compose orchestrator: %v", err)
		}
		if err := orch.Start(); err != nil {
			return fmt.Errorf("failed to start orchestrator: %v", err)
		}

		fmt.Printf("✓ Maestro %s listening on %s (ops %s)\n", Version, cfg.Server.ListenAddr, cfg.Server.OpsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
		case err := <-orch.Err():
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Refuse new work first so the in-flight drain is not racing fresh
		// submissions through a closing listener.
		orch.Drain()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := orch.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// applyServeFlags overlays explicitly set flags on the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		cfg.Server.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("ops-addr") {
		cfg.Server.OpsAddr, _ = flags.GetString("ops-addr")
	}
	if flags.Changed("public-url") {
		cfg.Server.PublicURL, _ = flags.GetString("public-url")
	}
	if flags.Changed("storage") {
		cfg.Storage.Backend, _ = flags.GetString("storage")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("blob-backend") {
		cfg.Results.BlobBackend, _ = flags.GetString("blob-backend")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("private-key") {
		cfg.Envelope.PrivateKeyPath, _ = flags.GetString("private-key")
	}
	if flags.Changed("public-keys") {
		cfg.Envelope.PublicKeyPaths, _ = flags.GetStringSlice("public-keys")
	}
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen-addr", "", "Caller API listen address")
	serveCmd.Flags().String("ops-addr", "", "Health and metrics listen address")
	serveCmd.Flags().String("public-url", "", "Public base URL workers post callbacks to")
	serveCmd.Flags().String("storage", "", "Storage backend: memory or bolt")
	serveCmd.Flags().String("data-dir", "", "Data directory for bolt storage and filesystem blobs")
	serveCmd.Flags().String("blob-backend", "", "Blob backend: memory, filesystem, or redis")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, or error")
	serveCmd.Flags().String("private-key", "", "PEM file with the envelope signing key")
	serveCmd.Flags().StringSlice("public-keys", nil, "PEM files with additional envelope verification keys")
}
