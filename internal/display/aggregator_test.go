package display

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/queue-dispatch/internal/estimate"
	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
)

type fakeStore struct {
	t         *testing.T
	openFn    func(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error)
	countFn   func(ctx context.Context, query store.BoardQuery) (map[models.Status]int, error)
	samplesFn func(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error)
}

func (f fakeStore) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	f.t.Fatalf("snapshot must not issue tickets")
	return models.Ticket{}, false, nil
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return models.Ticket{}, store.ErrNotFound
}

func (f fakeStore) ListByPartition(ctx context.Context, partition models.Partition, statuses ...models.Status) ([]models.Ticket, error) {
	return nil, nil
}

func (f fakeStore) ListOpen(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error) {
	if f.openFn == nil {
		return nil, nil
	}
	return f.openFn(ctx, query)
}

func (f fakeStore) CountByStatus(ctx context.Context, query store.BoardQuery) (map[models.Status]int, error) {
	if f.countFn == nil {
		return map[models.Status]int{}, nil
	}
	return f.countFn(ctx, query)
}

func (f fakeStore) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Ticket, error) {
	return nil, nil
}

func (f fakeStore) ListOpenBefore(ctx context.Context, queueDate string, limit int) ([]models.Ticket, error) {
	return nil, nil
}

func (f fakeStore) InPartition(ctx context.Context, partition models.Partition, fn func(tx store.PartitionTx) error) error {
	f.t.Fatalf("snapshot must not take partition locks")
	return nil
}

func (f fakeStore) ListSamples(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error) {
	if f.samplesFn == nil {
		return nil, nil
	}
	return f.samplesFn(ctx, query)
}

func (f fakeStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	return nil, nil
}

var boardNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func ticketAt(code string, number int, roomID string, priority models.Priority, status models.Status, calledAt *time.Time) models.Ticket {
	return models.Ticket{
		TicketID:    "id-" + code,
		TicketCode:  code,
		QueueNumber: number,
		Priority:    priority,
		Status:      status,
		RoomID:      roomID,
		QueueType:   models.QueueExamination,
		QueueDate:   "2026-03-02",
		CreatedAt:   boardNow.Add(-time.Hour),
		CalledAt:    calledAt,
	}
}

func newTestAggregator(t *testing.T, st fakeStore) *Aggregator {
	st.t = t
	est := estimate.New(st, estimate.Options{DefaultServiceTime: 5 * time.Minute, Now: func() time.Time { return boardNow }})
	return New(st, est, Options{Location: time.UTC, Now: func() time.Time { return boardNow }, PollInterval: 4 * time.Second})
}

func TestBuildSnapshotAcrossRooms(t *testing.T) {
	calledAt := boardNow.Add(-2 * time.Minute)
	st := fakeStore{
		openFn: func(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error) {
			if query.QueueDate != "2026-03-02" {
				t.Fatalf("unexpected queue date %s", query.QueueDate)
			}
			if len(query.RoomIDs) != 2 || query.RoomIDs[0] != "R1" || query.RoomIDs[1] != "R2" {
				t.Fatalf("unexpected rooms %v", query.RoomIDs)
			}
			return []models.Ticket{
				ticketAt("A-001", 1, "R1", models.PriorityNormal, models.StatusServing, &calledAt),
				ticketAt("A-001", 1, "R2", models.PriorityNormal, models.StatusWaiting, nil),
				ticketAt("A-002", 2, "R2", models.PriorityNormal, models.StatusWaiting, nil),
			}, nil
		},
		countFn: func(ctx context.Context, query store.BoardQuery) (map[models.Status]int, error) {
			return map[models.Status]int{models.StatusWaiting: 2, models.StatusServing: 1, models.StatusCompleted: 4}, nil
		},
		samplesFn: func(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error) {
			if query.RoomID != "R2" || query.QueueType != models.QueueExamination {
				return nil, nil
			}
			return []models.ServiceTimeSample{
				{RoomID: "R2", QueueType: models.QueueExamination, DurationSeconds: 180},
				{RoomID: "R2", QueueType: models.QueueExamination, DurationSeconds: 300},
			}, nil
		},
	}
	agg := newTestAggregator(t, st)

	snapshot, err := agg.BuildSnapshot(context.Background(), []string{"R1", " R2", "R1"}, models.QueueExamination)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}

	serving, ok := snapshot.CurrentServing["R1"]
	if !ok || serving.TicketID != "id-A-001" || serving.RoomID != "R1" {
		t.Fatalf("expected R1 serving A-001, got %+v", snapshot.CurrentServing)
	}
	if _, ok := snapshot.CurrentServing["R2"]; ok {
		t.Fatalf("R2 has no active ticket")
	}
	if snapshot.TotalWaiting != 2 {
		t.Fatalf("expected total waiting 2, got %d", snapshot.TotalWaiting)
	}
	if len(snapshot.CallingList) != 0 {
		t.Fatalf("serving tickets do not belong to the calling list")
	}

	first, second := snapshot.WaitingList[0], snapshot.WaitingList[1]
	if first.Position != 1 || second.Position != 2 {
		t.Fatalf("unexpected positions %d, %d", first.Position, second.Position)
	}
	if first.EstimatedWaitMinutes != 4 || second.EstimatedWaitMinutes != 8 {
		t.Fatalf("unexpected estimates %v, %v", first.EstimatedWaitMinutes, second.EstimatedWaitMinutes)
	}
	mean := (first.EstimatedWaitMinutes + second.EstimatedWaitMinutes) / 2
	if snapshot.AverageWaitMinutes != mean {
		t.Fatalf("expected average %v, got %v", mean, snapshot.AverageWaitMinutes)
	}

	if snapshot.Stats.Completed != 4 || snapshot.Stats.Serving != 1 {
		t.Fatalf("unexpected stats %+v", snapshot.Stats)
	}
	if snapshot.Stats.AverageServiceMinutes != 4.5 {
		t.Fatalf("expected mean of 5 and 4 minutes, got %v", snapshot.Stats.AverageServiceMinutes)
	}
	if snapshot.ServingLabel != "serving" || snapshot.PollAfterSeconds != 4 {
		t.Fatalf("unexpected board metadata %+v", snapshot)
	}
}

func TestBuildSnapshotOrdersWaitingAndCalling(t *testing.T) {
	early := boardNow.Add(-5 * time.Minute)
	late := boardNow.Add(-1 * time.Minute)
	st := fakeStore{
		openFn: func(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error) {
			return []models.Ticket{
				ticketAt("A-003", 3, "R1", models.PriorityNormal, models.StatusWaiting, nil),
				ticketAt("A-004", 4, "R1", models.PriorityEmergency, models.StatusWaiting, nil),
				ticketAt("A-005", 5, "R1", models.PriorityHigh, models.StatusWaiting, nil),
				ticketAt("A-001", 1, "R1", models.PriorityNormal, models.StatusCalled, &early),
				ticketAt("A-002", 2, "R2", models.PriorityNormal, models.StatusCalled, &late),
			}, nil
		},
	}
	agg := newTestAggregator(t, st)

	snapshot, err := agg.BuildSnapshot(context.Background(), []string{"R1", "R2"}, "")
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}

	wantOrder := []string{"A-004", "A-005", "A-003"}
	for i, code := range wantOrder {
		entry := snapshot.WaitingList[i]
		if entry.TicketCode != code || entry.Position != i+1 {
			t.Fatalf("waiting[%d] = %s at %d, want %s at %d", i, entry.TicketCode, entry.Position, code, i+1)
		}
		if i > 0 && entry.EstimatedWaitMinutes < snapshot.WaitingList[i-1].EstimatedWaitMinutes {
			t.Fatalf("estimates must not decrease along the queue")
		}
	}

	if len(snapshot.CallingList) != 2 || snapshot.CallingList[0].TicketCode != "A-002" {
		t.Fatalf("expected most recent call first, got %+v", snapshot.CallingList)
	}
	if snapshot.CurrentServing["R1"].TicketCode != "A-001" || snapshot.CurrentServing["R2"].TicketCode != "A-002" {
		t.Fatalf("unexpected current serving %+v", snapshot.CurrentServing)
	}
}

func TestBuildSnapshotEmptyBoard(t *testing.T) {
	agg := newTestAggregator(t, fakeStore{})
	snapshot, err := agg.BuildSnapshot(context.Background(), []string{"R9"}, models.QueueLabSample)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if snapshot.TotalWaiting != 0 || snapshot.AverageWaitMinutes != 0 {
		t.Fatalf("expected an empty board, got %+v", snapshot)
	}
	if snapshot.ServingLabel != "processing" {
		t.Fatalf("lab boards label serving as processing, got %q", snapshot.ServingLabel)
	}
	if snapshot.WaitingList == nil || snapshot.CallingList == nil {
		t.Fatalf("lists must encode as empty arrays")
	}
}

func TestBuildSnapshotValidation(t *testing.T) {
	agg := newTestAggregator(t, fakeStore{})
	cases := []struct {
		name      string
		rooms     []string
		queueType models.QueueType
	}{
		{name: "no rooms", rooms: nil},
		{name: "blank rooms", rooms: []string{" ", ""}},
		{name: "unknown queue type", rooms: []string{"R1"}, queueType: "pharmacy"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := agg.BuildSnapshot(context.Background(), tt.rooms, tt.queueType)
			if !errors.Is(err, store.ErrInvalidPartition) {
				t.Fatalf("expected ErrInvalidPartition, got %v", err)
			}
		})
	}
}
