package app

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/reminders"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// ReminderLeadTimes are the reminder passes run on every tick.
var ReminderLeadTimes = []int{24, 2}

// RunReminderPasses runs every reminder pass once at now. A failing pass
// does not stop the others.
func (c *Container) RunReminderPasses(ctx context.Context, now time.Time) ([]reminders.RunResult, error) {
	ctx = observability.WithRequestID(ctx, "")

	var (
		results []reminders.RunResult
		errs    []error
	)
	for _, hours := range ReminderLeadTimes {
		result, err := c.ReminderScheduler.Run(ctx, hours, now)
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// RunReminderLoop runs the reminder passes every REMINDER_INTERVAL until ctx
// is cancelled. The first run happens immediately.
func (c *Container) RunReminderLoop(ctx context.Context) {
	interval := c.Config.ReminderInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := c.RunReminderPasses(ctx, time.Now())
		if err != nil {
			c.Logger.ErrorContext(ctx, "reminder run failed", "error", err)
		}
		for _, r := range results {
			if r.Due > 0 || r.Skipped {
				c.Logger.InfoContext(ctx, "reminder run finished",
					"reminder_type", r.ReminderType,
					"due", r.Due,
					"enqueued", r.Enqueued,
					"already_sent", r.AlreadySent,
					"failed", r.Failed,
					"skipped", r.Skipped,
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
