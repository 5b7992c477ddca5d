package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/config"
	"song-fulfillment/internal/telemetry"
)

type options struct {
	envFile string
	once    string
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run the release, notification and audio sweeps",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load environment from this file instead of .env")
	cmd.Flags().StringVar(&opts.once, "once", "", "Run the comma-separated tasks once and exit (\"all\" for every task)")
	return cmd
}

// taskList turns the --once value into runner task names; nil means every task.
func taskList(once string) []string {
	if once == "all" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(once, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func run(ctx context.Context, out io.Writer, opts options) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := telemetry.NewLogger(cfg.LogLevel, cfg.Env, "songs-worker")

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTel, version)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	runner := a.Runner(app.WorkerID())

	if opts.once != "" {
		results, err := runner.RunOnce(ctx, taskList(opts.once)...)
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(results); encErr != nil && err == nil {
			err = encErr
		}
		return err
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	log.Info().Strs("tasks", runner.Names()).Dur("release_interval", cfg.ReleaseInterval).
		Dur("drain_interval", cfg.DrainInterval).Msg("worker starting")
	return runner.Run(ctx)
}
