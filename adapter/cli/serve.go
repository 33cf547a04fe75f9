package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/clinicflow/adapter/api"
)

const shutdownTimeout = 15 * time.Second

var serveOpts struct {
	withWorker    bool
	withReminders bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the booking HTTP API",
	Long: `Run the booking HTTP API on API_ADDR.

With --with-worker the outbox delivery worker runs in the same process, and
with --with-reminders so does the reminder loop. Production deployments
usually run them separately with "clinicflow worker".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openContainer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if serveOpts.withWorker {
			worker, err := c.NewDeliveryWorker()
			if err != nil {
				return err
			}
			if err := worker.Start(ctx); err != nil {
				return err
			}
			defer worker.Stop()
		}
		if serveOpts.withReminders {
			go c.RunReminderLoop(ctx)
		}

		serverCfg := api.DefaultServerConfig()
		serverCfg.Addr = cfg.APIAddr
		server := api.NewServer(serverCfg, c.Router(), logger)
		return serveUntilDone(ctx, server)
	},
}

// serveUntilDone runs server until ctx is cancelled, then shuts it down.
func serveUntilDone(ctx context.Context, server *api.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.withWorker, "with-worker", false, "also run the outbox delivery worker")
	serveCmd.Flags().BoolVar(&serveOpts.withReminders, "with-reminders", false, "also run the reminder loop")
	rootCmd.AddCommand(serveCmd)
}
