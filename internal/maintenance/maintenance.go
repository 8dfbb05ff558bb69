// Package maintenance runs the background jobs that keep queues tidy: the
// no-show sweep for tickets left in Called, and the nightly day close.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type Lifecycle interface {
	ExpireCalled(ctx context.Context, grace time.Duration, batchSize int, returnToQueue bool) (int, error)
	CloseDay(ctx context.Context, batchSize int) (int, error)
}

type Options struct {
	NoShowGrace      time.Duration
	NoShowInterval   time.Duration
	BatchSize        int
	ReturnToQueue    bool
	DayCloseSchedule string
	Location         *time.Location
	// Timeout bounds a single job run.
	Timeout time.Duration
}

type Runner struct {
	lifecycle Lifecycle
	options   Options
	cron      *cron.Cron
	sweeping  int32
}

// New validates the day close schedule. An empty schedule disables day close.
func New(lifecycle Lifecycle, options Options) (*Runner, error) {
	if options.Location == nil {
		options.Location = time.Local
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}
	r := &Runner{
		lifecycle: lifecycle,
		options:   options,
		cron:      cron.New(cron.WithLocation(options.Location)),
	}
	if options.DayCloseSchedule != "" {
		_, err := r.cron.AddFunc(options.DayCloseSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.options.Timeout)
			defer cancel()
			_, _ = r.CloseDay(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("maintenance: invalid day close schedule %q: %w", options.DayCloseSchedule, err)
		}
	}
	return r, nil
}

// Run starts the scheduled jobs and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.cron.Start()
	log.Info().
		Dur("no_show_grace", r.options.NoShowGrace).
		Dur("no_show_interval", r.options.NoShowInterval).
		Str("day_close_schedule", r.options.DayCloseSchedule).
		Msg("maintenance started")

	var tick <-chan time.Time
	if r.options.NoShowGrace > 0 && r.options.NoShowInterval > 0 {
		ticker := time.NewTicker(r.options.NoShowInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			<-r.cron.Stop().Done()
			log.Info().Msg("maintenance stopped")
			return
		case <-tick:
			sweepCtx, cancel := context.WithTimeout(ctx, r.options.Timeout)
			_, _ = r.Sweep(sweepCtx)
			cancel()
		}
	}
}

// Sweep expires stale called tickets once. Overlapping sweeps are skipped.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.sweeping, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.sweeping, 0)

	count, err := r.lifecycle.ExpireCalled(ctx, r.options.NoShowGrace, r.options.BatchSize, r.options.ReturnToQueue)
	if err != nil {
		log.Error().Err(err).Int("processed", count).Msg("auto no-show failed")
		return count, err
	}
	if count > 0 {
		log.Info().Int("processed", count).Bool("return_to_queue", r.options.ReturnToQueue).Msg("auto no-show processed tickets")
	}
	return count, nil
}

func (r *Runner) CloseDay(ctx context.Context) (int, error) {
	count, err := r.lifecycle.CloseDay(ctx, r.options.BatchSize)
	if err != nil {
		log.Error().Err(err).Int("closed", count).Msg("day close failed")
		return count, err
	}
	log.Info().Int("closed", count).Msg("day close finished")
	return count, nil
}
