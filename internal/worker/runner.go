// Package worker drives the reminder engine's clock in a running process.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

// Ticker is the part of the engine the runner drives.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) reminder.TickSummary
}

type Runner struct {
	engine   Ticker
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewRunner(engine Ticker, interval, timeout time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Runner{
		engine:   engine,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		log:      logger.With().Str("component", "tick_worker").Logger(),
	}
}

// Run ticks once at startup and then every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Msg("reminder worker starting")

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context) reminder.TickSummary {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	summary := r.engine.Tick(runCtx, r.now())

	ev := r.log.Debug()
	if summary.Due > 0 {
		ev = r.log.Info()
	}
	ev.Int("due", summary.Due).
		Int("sent", summary.Sent).
		Int("retried", summary.Retried).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("cancelled", summary.Cancelled).
		Int("busy", summary.Busy).
		Dur("took", time.Since(start)).
		Msg("tick complete")

	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Warn().Dur("timeout", r.timeout).Msg("tick exceeded its timeout")
	}
	return summary
}
