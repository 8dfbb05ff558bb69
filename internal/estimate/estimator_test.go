package estimate

import (
	"context"
	"testing"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
)

type sampleLister struct {
	store.TicketStore
	samples []models.ServiceTimeSample
	query   store.SampleQuery
}

func (s *sampleLister) ListSamples(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error) {
	s.query = query
	return s.samples, nil
}

func seconds(values ...float64) []models.ServiceTimeSample {
	samples := make([]models.ServiceTimeSample, len(values))
	for i, v := range values {
		samples[i] = models.ServiceTimeSample{DurationSeconds: v}
	}
	return samples
}

func TestAverage(t *testing.T) {
	cases := []struct {
		name       string
		samples    []models.ServiceTimeSample
		minSamples int
		want       time.Duration
	}{
		{name: "no history", samples: nil, minSamples: 1, want: 5 * time.Minute},
		{name: "below floor", samples: seconds(60, 120), minSamples: 3, want: 5 * time.Minute},
		{name: "mean", samples: seconds(60, 120, 180), minSamples: 3, want: 2 * time.Minute},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Average(tt.samples, tt.minSamples, 5*time.Minute); got != tt.want {
				t.Fatalf("Average() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMinutesIsMonotonicInPosition(t *testing.T) {
	for _, avg := range []time.Duration{0, 30 * time.Second, 4 * time.Minute, 17*time.Minute + 3*time.Second} {
		previous := Minutes(avg, 0)
		for position := 1; position <= 50; position++ {
			current := Minutes(avg, position)
			if current < previous {
				t.Fatalf("avg %v: position %d estimate %v below position %d estimate %v", avg, position, current, position-1, previous)
			}
			previous = current
		}
	}
	if got := Minutes(3*time.Minute, -2); got != 0 {
		t.Fatalf("negative positions count as zero, got %v", got)
	}
}

func TestEstimateWait(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	st := &sampleLister{samples: seconds(240, 360)}
	est := New(st, Options{Window: 10, MaxAge: 2 * time.Hour, Now: func() time.Time { return now }})

	got, err := est.EstimateWait(context.Background(), "R1", models.QueueExamination, 3)
	if err != nil {
		t.Fatalf("EstimateWait: %v", err)
	}
	if got != 15 {
		t.Fatalf("expected 15 minutes, got %v", got)
	}
	if st.query.RoomID != "R1" || st.query.QueueType != models.QueueExamination || st.query.Limit != 10 {
		t.Fatalf("unexpected sample query %+v", st.query)
	}
	if !st.query.Since.Equal(now.Add(-2 * time.Hour)) {
		t.Fatalf("expected samples since %v, got %v", now.Add(-2*time.Hour), st.query.Since)
	}
}

func TestEstimateWaitDefaultsWithoutHistory(t *testing.T) {
	est := New(&sampleLister{}, Options{})
	got, err := est.EstimateWait(context.Background(), "R1", models.QueueLabSample, 2)
	if err != nil {
		t.Fatalf("EstimateWait: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected 10 minutes from the default, got %v", got)
	}
}
