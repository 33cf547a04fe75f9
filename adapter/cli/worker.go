package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/clinicflow/adapter/api"
	"github.com/felixgeelhaar/clinicflow/internal/app"
)

var workerOpts struct {
	noReminders bool
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the outbox delivery worker and the reminder loop",
	Long: `Run the outbox delivery worker and, unless --no-reminders is set, the
reminder loop. Health, readiness, metrics and the operations endpoints are
served on WORKER_HEALTH_ADDR.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openContainer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		worker, err := c.NewDeliveryWorker()
		if err != nil {
			return err
		}
		c.Health.Register("delivery_worker", app.WorkerHealthChecker(worker))

		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()

		if !workerOpts.noReminders {
			go c.RunReminderLoop(ctx)
		}

		serverCfg := api.DefaultServerConfig()
		serverCfg.Addr = cfg.WorkerHealthAddr
		server := api.NewServer(serverCfg, c.OperationsRouter(), logger)
		return serveUntilDone(ctx, server)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerOpts.noReminders, "no-reminders", false, "do not run the reminder loop")
	rootCmd.AddCommand(workerCmd)
}
