package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var remindOpts struct {
	hours int
	at    string
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Run one reminder pass",
	Long: `Enqueue reminders for confirmed appointments starting --hours from now,
within the REMINDER_WINDOW tolerance. Safe to run from cron on several
hosts: each reminder is enqueued at most once.`,
	Example: `  clinicflow remind --hours 24
  clinicflow remind --hours 2 --at 2025-10-14T12:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		if remindOpts.at != "" {
			parsed, err := time.Parse(time.RFC3339, remindOpts.at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			now = parsed
		}

		c, err := openContainer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.ReminderScheduler.Run(cmd.Context(), remindOpts.hours, now)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"reminder_type": result.ReminderType,
			"due":           result.Due,
			"enqueued":      result.Enqueued,
			"already_sent":  result.AlreadySent,
			"failed":        result.Failed,
			"skipped":       result.Skipped,
		})
	},
}

func init() {
	remindCmd.Flags().IntVar(&remindOpts.hours, "hours", 24, "reminder lead time in hours (24 or 2)")
	remindCmd.Flags().StringVar(&remindOpts.at, "at", "", "evaluate as of this RFC 3339 time instead of now")
	rootCmd.AddCommand(remindCmd)
}
