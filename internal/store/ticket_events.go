package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-dispatch/internal/models"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows last in a ticket's chain.
// last is nil for the first event.
func NextTicketEvent(last *TicketEvent, ticket models.Ticket, eventType string, createdAt time.Time) (TicketEvent, error) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return TicketEvent{}, err
	}
	seq := 1
	prev := ""
	if last != nil {
		seq = last.TicketSeq + 1
		prev = last.Hash
	}
	// Storage keeps microseconds; the hash must survive a round trip.
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	return TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTicketEventHash(prev, ticket.TicketID, eventType, payload, createdAt, seq),
	}, nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload models.Ticket
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketCode != "" {
			ticket.TicketCode = payload.TicketCode
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.RoomID != "" {
			ticket.RoomID = payload.RoomID
		}
		if payload.QueueType != "" {
			ticket.QueueType = payload.QueueType
		}
		if payload.QueueDate != "" {
			ticket.QueueDate = payload.QueueDate
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		ticket.Priority = payload.Priority
		ticket.CalledCount = payload.CalledCount
		if !payload.CreatedAt.IsZero() {
			ticket.CreatedAt = payload.CreatedAt
		}
		ticket.CalledAt = payload.CalledAt
		ticket.ServingStartedAt = payload.ServingStartedAt
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
	}
	return ticket, nil
}

// VerifyTicketEvents checks the hash chain and that replaying it yields the
// stored status of current.
func VerifyTicketEvents(events []TicketEvent, current models.Ticket) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("event %d: sequence %d out of order", i, event.TicketSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: previous hash mismatch", event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.TicketSeq)
		}
		prev = event.Hash
	}
	replayed, err := RehydrateTicket(events)
	if err != nil {
		return err
	}
	if replayed.Status != current.Status {
		return fmt.Errorf("replayed status %s does not match stored status %s", replayed.Status, current.Status)
	}
	return nil
}
