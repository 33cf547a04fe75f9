// Package cli implements the clinicflow command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/clinicflow/internal/app"
	"github.com/felixgeelhaar/clinicflow/pkg/config"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

var (
	verbose bool
	logger  *slog.Logger
	cfg     *config.Config
)

type commandContext struct {
	correlationID string
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "clinicflow",
	Short: "clinicflow - appointment booking and patient notifications",
	Long: `clinicflow books clinic appointments without double-booking a slot and
delivers confirmation and reminder notifications through a durable outbox.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cfg = loaded
		}
		if logger == nil {
			level := observability.LogLevel(cfg.LogLevel)
			if verbose {
				level = observability.LogLevelDebug
			}
			logger = observability.NewLogger(observability.LogConfig{
				Level:          level,
				Format:         observability.LogFormat(cfg.LogFormat),
				Output:         os.Stderr,
				ServiceName:    "clinicflow",
				ServiceVersion: cfg.Version,
			})
			slog.SetDefault(logger)
		}

		info := commandContext{
			correlationID: uuid.NewString(),
			startedAt:     time.Now(),
		}
		ctx := context.WithValue(cmd.Context(), commandContextKey{}, info)
		ctx = observability.WithCorrelationID(ctx, info.correlationID)
		cmd.SetContext(ctx)
		logger.DebugContext(ctx, "command start", "command", cmd.CommandPath())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok || logger == nil {
			return
		}
		logger.DebugContext(cmd.Context(), "command end",
			"command", cmd.CommandPath(),
			observability.DurationKey, time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command until ctx is cancelled or the command returns.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetConfig overrides the environment configuration, for tests and
// embedding.
func SetConfig(c *config.Config) {
	cfg = c
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// openContainer builds the application container for commands that need
// storage. The caller closes it.
func openContainer(cmd *cobra.Command) (*app.Container, error) {
	return app.NewContainer(cmd.Context(), cfg, logger)
}
