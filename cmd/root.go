// Package cmd defines and implements the CLI commands for the bulkfetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/api"
	"github.com/JakeFAU/bulkfetch/internal/app"
	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/config"
	"github.com/JakeFAU/bulkfetch/internal/logging"
	"github.com/JakeFAU/bulkfetch/internal/stream"
)

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// App defines the services commands use.
type App interface {
	Run() (*batch.Coordinator, *stream.Runner)
	StatusServer(ctl api.Control) *api.Server
	Checkpoints() checkpoint.Store
	Close() error
}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    App
}

// newRootCmd creates and configures the root command. appOpts are passed to
// app.New and let tests swap the transport.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "bulkfetch",
		Short: "Fetch large URL lists politely and resumably.",
		Long: `bulkfetch retrieves large lists of URLs under per-host rate limits and
circuit breakers, records progress in a durable checkpoint and streams
results to the configured sinks in fixed-size chunks. An interrupted job
resumes from its checkpoint.`,
		SilenceUsage: true,

		// Config and services are built here so every subcommand shares them.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := app.New(cmd.Context(), cfg, logger, appOpts...)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			rt := &runtime{cfg: cfg, logger: logger, app: appInstance}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars use the BULKFETCH_ prefix")

	cmd.AddCommand(newRunCmd(), newResumeCmd(), newStatusCmd(), newExpireCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// withRuntime adapts fn to cobra's RunE and shuts the services down once fn
// returns, whether or not it failed.
func withRuntime(fn func(cmd *cobra.Command, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := resolveRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.app.Close(); cerr != nil {
				rt.logger.Warn("error closing services", zap.Error(cerr))
			}
			_ = rt.logger.Sync()
		}()
		return fn(cmd, rt, args)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
