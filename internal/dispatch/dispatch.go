// Package dispatch orders waiting tickets for service. Emergency tickets always
// precede High, and High precedes Normal; within a tier the lower queue number
// goes first.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
)

// Less reports whether a should be called before b.
func Less(a, b models.Ticket) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.QueueNumber != b.QueueNumber {
		return a.QueueNumber < b.QueueNumber
	}
	// Only reachable across partitions, where queue numbers repeat.
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketID < b.TicketID
}

// Sort orders tickets in place in dispatch order.
func Sort(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return Less(tickets[i], tickets[j])
	})
}

// Next returns the waiting ticket that should be called next.
func Next(tickets []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		if !found || Less(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

// Dispatcher answers "who is next" for today's partitions without changing state.
type Dispatcher struct {
	store store.TicketStore
	now   func() time.Time
	loc   *time.Location
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

func New(st store.TicketStore, options Options) *Dispatcher {
	d := &Dispatcher{store: st, now: options.Now, loc: options.Location}
	if d.now == nil {
		d.now = time.Now
	}
	if d.loc == nil {
		d.loc = time.Local
	}
	return d
}

func (d *Dispatcher) Today() string {
	return d.now().In(d.loc).Format(models.QueueDateLayout)
}

// NextToCall returns the ticket Call would pick for the room right now, or
// false when nothing is waiting.
func (d *Dispatcher) NextToCall(ctx context.Context, roomID string, queueType models.QueueType) (models.Ticket, bool, error) {
	partition := models.Partition{QueueDate: d.Today(), RoomID: roomID, QueueType: queueType}
	if err := partition.Validate(); err != nil {
		return models.Ticket{}, false, fmt.Errorf("%w: %v", store.ErrInvalidPartition, err)
	}
	waiting, err := d.store.ListByPartition(ctx, partition, models.StatusWaiting)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket, ok := Next(waiting)
	return ticket, ok, nil
}

// Ranked returns the waiting tickets of one partition in dispatch order.
func Ranked(tickets []models.Ticket) []models.Ticket {
	ranked := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket.Status == models.StatusWaiting {
			ranked = append(ranked, ticket)
		}
	}
	Sort(ranked)
	return ranked
}
