package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the notification outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openContainer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.Outbox.Stats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var failedLimit int

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List messages that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if failedLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		c, err := openContainer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		msgs, err := c.Outbox.ListFailed(cmd.Context(), failedLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tKIND\tRECIPIENT\tRETRIES\tLAST ERROR")
		for _, msg := range msgs {
			lastError := ""
			if msg.LastError != nil {
				lastError = *msg.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				msg.ID, msg.Type, msg.Kind, msg.Recipient, msg.RetryCount, msg.MaxRetries, lastError)
		}
		return w.Flush()
	},
}

func init() {
	outboxFailedCmd.Flags().IntVar(&failedLimit, "limit", 50, "maximum number of messages")
	outboxCmd.AddCommand(outboxStatsCmd, outboxFailedCmd)
	rootCmd.AddCommand(outboxCmd)
}
