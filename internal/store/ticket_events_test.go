package store

import (
	"strings"
	"testing"
	"time"

	"qms/queue-dispatch/internal/models"
)

func buildChain(t *testing.T) ([]TicketEvent, models.Ticket) {
	t.Helper()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ticket := models.Ticket{
		TicketID:    "ticket-1",
		TicketCode:  "A-001",
		QueueNumber: 1,
		Priority:    models.PriorityHigh,
		Status:      models.StatusWaiting,
		RoomID:      "room-1",
		QueueType:   models.QueueExamination,
		QueueDate:   "2026-03-02",
		CreatedAt:   base,
	}
	first, err := NextTicketEvent(nil, ticket, models.EventTicketIssued, base)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}

	calledAt := base.Add(2 * time.Minute)
	ticket.Status = models.StatusCalled
	ticket.CalledCount = 1
	ticket.CalledAt = &calledAt
	second, err := NextTicketEvent(&first, ticket, models.EventTicketCalled, calledAt)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	return []TicketEvent{first, second}, ticket
}

func TestTicketEventChain(t *testing.T) {
	events, ticket := buildChain(t)
	if events[0].TicketSeq != 1 || events[1].TicketSeq != 2 {
		t.Fatalf("unexpected sequence: %d, %d", events[0].TicketSeq, events[1].TicketSeq)
	}
	if events[1].PrevHash != events[0].Hash {
		t.Fatalf("expected second event to link to first")
	}
	if err := VerifyTicketEvents(events, ticket); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRehydrateTicket(t *testing.T) {
	events, want := buildChain(t)
	got, err := RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got.Status != models.StatusCalled || got.CalledCount != 1 || got.Priority != models.PriorityHigh {
		t.Fatalf("unexpected rehydrated ticket: %+v", got)
	}
	if got.TicketCode != want.TicketCode || got.CalledAt == nil {
		t.Fatalf("expected code and called_at to survive, got %+v", got)
	}
}

func TestVerifyTicketEventsDetectsTampering(t *testing.T) {
	events, ticket := buildChain(t)
	events[0].Payload = []byte(strings.Replace(string(events[0].Payload), "A-001", "A-999", 1))
	if err := VerifyTicketEvents(events, ticket); err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestVerifyTicketEventsDetectsStatusDrift(t *testing.T) {
	events, ticket := buildChain(t)
	ticket.Status = models.StatusCompleted
	if err := VerifyTicketEvents(events, ticket); err == nil {
		t.Fatalf("expected status drift to fail verification")
	}
}
