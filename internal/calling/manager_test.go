package calling

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
	"qms/queue-dispatch/internal/store/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.QueueEvent
}

func (p *recordingPublisher) Publish(event models.QueueEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, event := range p.events {
		out[i] = event.Type
	}
	return out
}

const room = "room-1"

func newTestManager(t *testing.T, options Options) (*Manager, *sqlite.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	st, err := sqlite.New(filepath.Join(t.TempDir(), "queue.db"), sqlite.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	options.Location = time.UTC
	options.Now = clock.Now
	return New(st, options), st, clock
}

func issue(t *testing.T, m *Manager, priority models.Priority) models.Ticket {
	t.Helper()
	ticket, created, err := m.IssueTicket(context.Background(), IssueRequest{
		RoomID:    room,
		QueueType: models.QueueExamination,
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	if !created {
		t.Fatalf("expected a new ticket")
	}
	return ticket
}

func TestCallFollowsPriorityThenQueueNumber(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, Options{})

	a := issue(t, m, models.PriorityNormal)
	b := issue(t, m, models.PriorityEmergency)
	issue(t, m, models.PriorityNormal)

	called, err := m.Call(ctx, room, models.QueueExamination)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.TicketID != b.TicketID {
		t.Fatalf("expected emergency ticket %s, got %s", b.TicketCode, called.TicketCode)
	}
	if called.Status != models.StatusCalled || called.CalledCount != 1 || called.CalledAt == nil {
		t.Fatalf("unexpected called ticket: %+v", called)
	}

	if _, err := m.BeginService(ctx, b.TicketID); err != nil {
		t.Fatalf("begin service: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := m.Complete(ctx, b.TicketID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	called, err = m.Call(ctx, room, models.QueueExamination)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if called.TicketID != a.TicketID {
		t.Fatalf("expected %s after emergency, got %s", a.TicketCode, called.TicketCode)
	}
}

func TestCallErrors(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Options{})

	if _, err := m.Call(ctx, room, models.QueueExamination); !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}

	issue(t, m, models.PriorityNormal)
	issue(t, m, models.PriorityNormal)
	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := m.Call(ctx, room, models.QueueExamination); !errors.Is(err, store.ErrRoomBusy) {
		t.Fatalf("expected ErrRoomBusy, got %v", err)
	}

	if _, err := m.Call(ctx, "", models.QueueExamination); !errors.Is(err, store.ErrInvalidPartition) {
		t.Fatalf("expected ErrInvalidPartition, got %v", err)
	}
}

func TestQueueTypesAreIndependentPartitions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Options{})

	issue(t, m, models.PriorityNormal)
	lab, _, err := m.IssueTicket(ctx, IssueRequest{RoomID: room, QueueType: models.QueueLabSample})
	if err != nil {
		t.Fatalf("issue lab ticket: %v", err)
	}
	if lab.TicketCode != "L-001" {
		t.Fatalf("expected L-001, got %s", lab.TicketCode)
	}

	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call examination: %v", err)
	}
	called, err := m.Call(ctx, room, models.QueueLabSample)
	if err != nil {
		t.Fatalf("call lab: %v", err)
	}
	if called.TicketID != lab.TicketID {
		t.Fatalf("expected lab ticket, got %s", called.TicketCode)
	}
}

func TestConcurrentCallsKeepOneActiveTicket(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t, Options{})
	issue(t, m, models.PriorityNormal)

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Call(ctx, room, models.QueueExamination)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrRoomBusy), errors.Is(err, store.ErrEmptyQueue):
		default:
			t.Fatalf("unexpected call error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful call, got %d", succeeded)
	}

	partition := models.Partition{QueueDate: m.Today(), RoomID: room, QueueType: models.QueueExamination}
	active, err := st.ListByPartition(ctx, partition, models.StatusCalled, models.StatusServing)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active ticket, got %d", len(active))
	}
}

func TestConcurrentIssueAssignsIncreasingNumbers(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t, Options{})

	const issuers = 10
	var wg sync.WaitGroup
	for i := 0; i < issuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.IssueTicket(ctx, IssueRequest{RoomID: room, QueueType: models.QueueExamination}); err != nil {
				t.Errorf("issue: %v", err)
			}
		}()
	}
	wg.Wait()

	partition := models.Partition{QueueDate: m.Today(), RoomID: room, QueueType: models.QueueExamination}
	tickets, err := st.ListByPartition(ctx, partition)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != issuers {
		t.Fatalf("expected %d tickets, got %d", issuers, len(tickets))
	}
	for i, ticket := range tickets {
		if ticket.QueueNumber != i+1 {
			t.Fatalf("position %d has queue number %d", i, ticket.QueueNumber)
		}
	}
}

func TestCompleteAppendsOneSampleAndSkipNone(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t, Options{})
	first := issue(t, m, models.PriorityNormal)
	second := issue(t, m, models.PriorityNormal)

	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := m.BeginService(ctx, first.TicketID); err != nil {
		t.Fatalf("begin service: %v", err)
	}
	clock.Advance(3 * time.Minute)
	done, err := m.Complete(ctx, first.TicketID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed ticket: %+v", done)
	}

	samples, err := st.ListSamples(ctx, store.SampleQuery{RoomID: room, QueueType: models.QueueExamination})
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if samples[0].DurationSeconds != 180 {
		t.Fatalf("expected 180s sample, got %v", samples[0].DurationSeconds)
	}

	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call second: %v", err)
	}
	skipped, err := m.Skip(ctx, second.TicketID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.Status != models.StatusWaiting || skipped.QueueNumber != second.QueueNumber || skipped.CalledCount != 1 {
		t.Fatalf("unexpected skipped ticket: %+v", skipped)
	}

	samples, err = st.ListSamples(ctx, store.SampleQuery{RoomID: room, QueueType: models.QueueExamination})
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("skip must not append a sample, got %d", len(samples))
	}

	again, err := m.Call(ctx, room, models.QueueExamination)
	if err != nil {
		t.Fatalf("call after skip: %v", err)
	}
	if again.TicketID != second.TicketID || again.CalledCount != 2 {
		t.Fatalf("expected skipped ticket to be called again, got %+v", again)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t, Options{})
	ticket := issue(t, m, models.PriorityNormal)

	if _, err := m.Complete(ctx, ticket.TicketID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := m.Skip(ctx, ticket.TicketID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	current, err := st.GetTicket(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if current.Status != models.StatusWaiting || current.CalledCount != 0 {
		t.Fatalf("ticket changed after rejected actions: %+v", current)
	}
	events, err := st.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected only the issued event, got %d", len(events))
	}

	if _, err := m.NoShow(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginServiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t, Options{})
	ticket := issue(t, m, models.PriorityNormal)
	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call: %v", err)
	}

	first, err := m.BeginService(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("begin service: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := m.BeginService(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("repeat begin service: %v", err)
	}
	if !second.ServingStartedAt.Equal(*first.ServingStartedAt) {
		t.Fatalf("repeat begin service restamped serving_started_at")
	}

	events, err := st.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected issued, called and serving events, got %d", len(events))
	}
	if err := store.VerifyTicketEvents(events, second); err != nil {
		t.Fatalf("verify events: %v", err)
	}
}

func TestRecallIncrementsCallCount(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t, Options{})
	ticket := issue(t, m, models.PriorityNormal)
	called, err := m.Call(ctx, room, models.QueueExamination)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	clock.Advance(30 * time.Second)
	recalled, err := m.Recall(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.Status != models.StatusCalled || recalled.CalledCount != 2 {
		t.Fatalf("unexpected recalled ticket: %+v", recalled)
	}
	if !recalled.CalledAt.After(*called.CalledAt) {
		t.Fatalf("expected recall to restamp called_at")
	}
}

func TestSkipBecomesNoShowAfterMaxCallAttempts(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Options{MaxCallAttempts: 2})
	ticket := issue(t, m, models.PriorityNormal)

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
			t.Fatalf("call %d: %v", attempt, err)
		}
		skipped, err := m.Skip(ctx, ticket.TicketID)
		if err != nil {
			t.Fatalf("skip %d: %v", attempt, err)
		}
		want := models.StatusWaiting
		if attempt == 2 {
			want = models.StatusNoShow
		}
		if skipped.Status != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, skipped.Status)
		}
	}

	if _, err := m.Call(ctx, room, models.QueueExamination); !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue after no-show, got %v", err)
	}
}

func TestIssueRejectsOtherDays(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	_, _, err := m.IssueTicket(context.Background(), IssueRequest{
		RoomID:    room,
		QueueType: models.QueueExamination,
		QueueDate: "2026-03-01",
	})
	if !errors.Is(err, store.ErrInvalidPartition) {
		t.Fatalf("expected ErrInvalidPartition, got %v", err)
	}
}

func TestIssueIsIdempotentByRequestID(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	m, _, _ := newTestManager(t, Options{Publisher: publisher})

	req := IssueRequest{RequestID: "kiosk-7-0001", RoomID: room, QueueType: models.QueueExamination}
	first, created, err := m.IssueTicket(ctx, req)
	if err != nil || !created {
		t.Fatalf("first issue: created=%v err=%v", created, err)
	}
	second, created, err := m.IssueTicket(ctx, req)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if created || second.TicketID != first.TicketID {
		t.Fatalf("expected the original ticket back")
	}
	if got := publisher.types(); len(got) != 1 {
		t.Fatalf("expected one published event, got %v", got)
	}
}

func TestExpireCalled(t *testing.T) {
	cases := []struct {
		name          string
		returnToQueue bool
		want          models.Status
	}{
		{name: "no show", want: models.StatusNoShow},
		{name: "return to queue", returnToQueue: true, want: models.StatusWaiting},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, st, clock := newTestManager(t, Options{})
			ticket := issue(t, m, models.PriorityNormal)
			if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
				t.Fatalf("call: %v", err)
			}

			count, err := m.ExpireCalled(ctx, 5*time.Minute, 10, tt.returnToQueue)
			if err != nil || count != 0 {
				t.Fatalf("expected nothing to expire yet, got %d, %v", count, err)
			}

			clock.Advance(6 * time.Minute)
			count, err = m.ExpireCalled(ctx, 5*time.Minute, 10, tt.returnToQueue)
			if err != nil {
				t.Fatalf("expire: %v", err)
			}
			if count != 1 {
				t.Fatalf("expected 1 expired ticket, got %d", count)
			}
			current, err := st.GetTicket(ctx, ticket.TicketID)
			if err != nil {
				t.Fatalf("get ticket: %v", err)
			}
			if current.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, current.Status)
			}

			_, err = m.Call(ctx, room, models.QueueExamination)
			if tt.returnToQueue && err != nil {
				t.Fatalf("room should be free after expiry: %v", err)
			}
			if !tt.returnToQueue && !errors.Is(err, store.ErrEmptyQueue) {
				t.Fatalf("expected ErrEmptyQueue, got %v", err)
			}
		})
	}
}

func TestCloseDayRetiresOpenTickets(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	m, st, clock := newTestManager(t, Options{Publisher: publisher})
	waiting := issue(t, m, models.PriorityNormal)
	issue(t, m, models.PriorityHigh)
	if _, err := m.Call(ctx, room, models.QueueExamination); err != nil {
		t.Fatalf("call: %v", err)
	}

	closed, err := m.CloseDay(ctx, 10)
	if err != nil || closed != 0 {
		t.Fatalf("today's tickets must stay open, got %d, %v", closed, err)
	}

	clock.Advance(24 * time.Hour)
	closed, err = m.CloseDay(ctx, 1)
	if err != nil {
		t.Fatalf("close day: %v", err)
	}
	if closed != 2 {
		t.Fatalf("expected 2 closed tickets, got %d", closed)
	}

	current, err := st.GetTicket(ctx, waiting.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if current.Status != models.StatusNoShow {
		t.Fatalf("expected no_show, got %s", current.Status)
	}

	got := publisher.types()
	if got[len(got)-1] != models.EventTicketNoShow {
		t.Fatalf("expected a no-show event last, got %v", got)
	}
}
