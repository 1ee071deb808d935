package reporter

import (
	"context"
	"os"
	"time"

	"github.com/walletscope/wallet-reporter/models"
)

// RunJanitor sweeps expired reports on the configured interval until the
// context is canceled. Intended to run on its own errgroup goroutine.
func (e *Engine) RunJanitor(ctx context.Context) error {
	e.log.Info("Starting report janitor", "interval", e.cfg.SweepInterval, "retention", e.cfg.Retention)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.sweep(ctx, now.UTC())
		}
	}
}

// sweep expires every completed job whose retention window has lapsed,
// deleting its report file. Job metadata stays queryable in the store.
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	jobs, err := e.jobs.Expirable(ctx, now)
	if err != nil {
		e.log.Error("Failed to list expirable jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if job.OutputPath != "" {
			if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
				e.log.Error("Failed to delete expired report file",
					"jobID", job.ID.String(), "path", job.OutputPath, "error", err)
				continue
			}
		}
		job.State = models.JobExpired
		job.OutputPath = ""
		job.OutputSize = 0
		if err := e.persist(ctx, job); err != nil {
			e.log.Error("Failed to persist expired job", "jobID", job.ID.String(), "error", err)
			continue
		}
		e.log.Info("Report expired", "jobID", job.ID.String(), "wallet", job.Wallet)
	}
}
