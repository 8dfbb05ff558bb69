package estimate

import (
	"context"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
)

type Options struct {
	// DefaultServiceTime is used while a partition has fewer than MinSamples samples.
	DefaultServiceTime time.Duration
	MinSamples         int
	// Window is the number of most recent samples averaged.
	Window int
	// MaxAge drops samples older than this; zero keeps all.
	MaxAge time.Duration
	Now    func() time.Time
}

type Estimator struct {
	store          store.TicketStore
	defaultService time.Duration
	minSamples     int
	window         int
	maxAge         time.Duration
	now            func() time.Time
}

func New(st store.TicketStore, options Options) *Estimator {
	e := &Estimator{
		store:          st,
		defaultService: options.DefaultServiceTime,
		minSamples:     options.MinSamples,
		window:         options.Window,
		maxAge:         options.MaxAge,
		now:            options.Now,
	}
	if e.defaultService <= 0 {
		e.defaultService = 5 * time.Minute
	}
	if e.minSamples <= 0 {
		e.minSamples = 1
	}
	if e.window <= 0 {
		e.window = 20
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// AverageServiceTime is the mean of the recent sample window for a room and
// queue type, or the configured default while history is thin.
func (e *Estimator) AverageServiceTime(ctx context.Context, roomID string, queueType models.QueueType) (time.Duration, error) {
	query := store.SampleQuery{RoomID: roomID, QueueType: queueType, Limit: e.window}
	if e.maxAge > 0 {
		query.Since = e.now().Add(-e.maxAge)
	}
	samples, err := e.store.ListSamples(ctx, query)
	if err != nil {
		return 0, err
	}
	return Average(samples, e.minSamples, e.defaultService), nil
}

// EstimateWait returns the expected wait in minutes for the ticket ranked
// position (1-indexed) in its partition.
func (e *Estimator) EstimateWait(ctx context.Context, roomID string, queueType models.QueueType, position int) (float64, error) {
	avg, err := e.AverageServiceTime(ctx, roomID, queueType)
	if err != nil {
		return 0, err
	}
	return Minutes(avg, position), nil
}

func Average(samples []models.ServiceTimeSample, minSamples int, fallback time.Duration) time.Duration {
	if len(samples) == 0 || len(samples) < minSamples {
		return fallback
	}
	var total float64
	for _, sample := range samples {
		total += sample.DurationSeconds
	}
	return time.Duration(total / float64(len(samples)) * float64(time.Second))
}

// Minutes scales an average service time by queue position. Positions below 1
// count as zero, so the result never decreases as position grows.
func Minutes(avg time.Duration, position int) float64 {
	if position < 1 || avg <= 0 {
		return 0
	}
	return avg.Minutes() * float64(position)
}
