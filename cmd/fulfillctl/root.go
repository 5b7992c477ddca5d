package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/config"
)

type commandContext struct {
	envFile  *string
	jsonFlag *bool
	verbose  *bool

	appOnce sync.Once
	app     *app.App
	appErr  error
}

func newCommandContext(envFile *string, jsonFlag, verbose *bool) *commandContext {
	return &commandContext{envFile: envFile, jsonFlag: jsonFlag, verbose: verbose}
}

func (c *commandContext) ensureApp(ctx context.Context) (*app.App, error) {
	c.appOnce.Do(func() {
		if c.app != nil {
			return
		}
		if c.envFile != nil && *c.envFile != "" {
			if err := godotenv.Load(*c.envFile); err != nil {
				c.appErr = fmt.Errorf("load %s: %w", *c.envFile, err)
				return
			}
		} else {
			_ = godotenv.Load()
		}
		cfg, err := config.Load()
		if err != nil {
			c.appErr = err
			return
		}
		level := zerolog.WarnLevel
		if c.verbose != nil && *c.verbose {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Str("service", "fulfillctl").Logger()
		c.app, c.appErr = app.New(ctx, cfg, log)
	})
	return c.app, c.appErr
}

// withApp runs fn against the wired pipeline.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := c.ensureApp(cmd.Context())
	if err != nil {
		return err
	}
	return fn(a)
}

func (c *commandContext) close() {
	if c.app != nil {
		c.app.Close()
	}
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newRootCommand returns the CLI and a func that releases its connections.
func newRootCommand() (*cobra.Command, func()) {
	var envFile string
	var jsonFlag, verbose bool

	ctx := newCommandContext(&envFile, &jsonFlag, &verbose)
	return buildRootCommand(ctx), ctx.close
}

func buildRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Operate the song fulfillment pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	if ctx.envFile != nil {
		rootCmd.PersistentFlags().StringVar(ctx.envFile, "env-file", "", "Load environment from this file instead of .env")
	}
	if ctx.jsonFlag != nil {
		rootCmd.PersistentFlags().BoolVar(ctx.jsonFlag, "json", false, "Print JSON instead of tables")
	}
	if ctx.verbose != nil {
		rootCmd.PersistentFlags().BoolVarP(ctx.verbose, "verbose", "v", false, "Log component activity to stderr")
	}

	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newApprovalsCommand(ctx))
	rootCmd.AddCommand(newNotificationsCommand(ctx))
	rootCmd.AddCommand(newSongsCommand(ctx))

	return rootCmd
}
