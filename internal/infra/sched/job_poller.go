package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JobPolling is the part of the job tracker the poller drives.
type JobPolling interface {
	PollOnce(ctx context.Context) int
}

// JobPoller refreshes running jobs that lost their push stream.
type JobPoller struct {
	interval time.Duration
	jobs     JobPolling
	log      *zerolog.Logger
}

func NewJobPoller(interval time.Duration, jobs JobPolling, logger *zerolog.Logger) *JobPoller {
	compLog := logger.With().Str("component", "JobPoller").Logger()
	return &JobPoller{
		interval: interval,
		jobs:     jobs,
		log:      &compLog,
	}
}

// Run blocks until ctx is done. A zero interval disables polling.
func (w *JobPoller) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.log.Info().Msg("job polling disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	w.log.Info().Dur("interval", w.interval).Msg("Starting job poller")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping job poller")
			return ctx.Err()
		case <-ticker.C:
			if n := w.jobs.PollOnce(ctx); n > 0 {
				w.log.Debug().Int("count", n).Msg("jobs polled")
			}
		}
	}
}
