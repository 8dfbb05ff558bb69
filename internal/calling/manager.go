// Package calling drives tickets through their lifecycle on behalf of staff
// consoles. Every mutation runs inside the owning partition's lock, so the
// busy check and the transition it guards commit together.
package calling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/queue-dispatch/internal/dispatch"
	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher receives a queue event after the transition that produced it has committed.
type Publisher interface {
	Publish(event models.QueueEvent)
}

type Options struct {
	// MaxCallAttempts turns a Skip into a NoShow once the ticket has been
	// called this many times. Zero disables the limit.
	MaxCallAttempts int
	Location        *time.Location
	Now             func() time.Time
	Publisher       Publisher
}

type Manager struct {
	store           store.TicketStore
	maxCallAttempts int
	loc             *time.Location
	now             func() time.Time
	publisher       Publisher
	tracer          trace.Tracer
}

func New(st store.TicketStore, options Options) *Manager {
	m := &Manager{
		store:           st,
		maxCallAttempts: options.MaxCallAttempts,
		loc:             options.Location,
		now:             options.Now,
		publisher:       options.Publisher,
		tracer:          otel.Tracer("qms/queue-dispatch/calling"),
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Today is the queue date live operations act on.
func (m *Manager) Today() string {
	return m.now().In(m.loc).Format(models.QueueDateLayout)
}

type IssueRequest struct {
	RequestID string
	RoomID    string
	QueueType models.QueueType
	Priority  models.Priority
	// QueueDate defaults to today. Any other day is rejected.
	QueueDate string
}

// IssueTicket puts a new Waiting ticket at the back of its priority tier.
// The bool is false when RequestID matched an earlier issuance.
func (m *Manager) IssueTicket(ctx context.Context, req IssueRequest) (ticket models.Ticket, created bool, err error) {
	ctx, span := m.startSpan(ctx, "calling.IssueTicket", req.RoomID, req.QueueType)
	defer func() { endSpan(span, err) }()

	today := m.Today()
	queueDate := req.QueueDate
	if queueDate == "" {
		queueDate = today
	}
	if queueDate != today {
		return models.Ticket{}, false, fmt.Errorf("%w: queue_date %s is not today (%s)", store.ErrInvalidPartition, queueDate, today)
	}

	ticket, created, err = m.store.IssueTicket(ctx, store.IssueTicketInput{
		RequestID: req.RequestID,
		Partition: models.Partition{QueueDate: queueDate, RoomID: req.RoomID, QueueType: req.QueueType},
		Priority:  req.Priority,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if created {
		m.publish(models.EventTicketIssued, ticket)
	}
	return ticket, created, nil
}

// Call moves the dispatcher's pick for the room to Called. It fails with
// store.ErrRoomBusy while another ticket of the partition is Called or
// Serving and with store.ErrEmptyQueue when nothing is waiting.
func (m *Manager) Call(ctx context.Context, roomID string, queueType models.QueueType) (ticket models.Ticket, err error) {
	ctx, span := m.startSpan(ctx, "calling.Call", roomID, queueType)
	defer func() { endSpan(span, err) }()

	partition := models.Partition{QueueDate: m.Today(), RoomID: roomID, QueueType: queueType}
	err = m.store.InPartition(ctx, partition, func(tx store.PartitionTx) error {
		busy, err := activeTicketBusy(ctx, tx)
		if err != nil {
			return err
		}
		if busy {
			return store.ErrRoomBusy
		}

		waiting, err := tx.Tickets(ctx, models.StatusWaiting)
		if err != nil {
			return err
		}
		next, ok := dispatch.Next(waiting)
		if !ok {
			return store.ErrEmptyQueue
		}

		to, err := store.Transition(store.ActionCall, next.Status)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		next.Status = to
		next.CalledCount++
		next.CalledAt = &now
		if err := tx.SaveTicket(ctx, next, store.EventType(store.ActionCall)); err != nil {
			return err
		}
		if err := tx.SetActiveTicket(ctx, next.TicketID); err != nil {
			return err
		}
		ticket = next
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.code", ticket.TicketCode))
	m.publish(models.EventTicketCalled, ticket)
	return ticket, nil
}

// Recall announces the called ticket again.
func (m *Manager) Recall(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.act(ctx, ticketID, store.ActionRecall)
}

// BeginService is a no-op for a ticket that is already Serving.
func (m *Manager) BeginService(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.act(ctx, ticketID, store.ActionBeginService)
}

// Complete finishes service and records how long it took.
func (m *Manager) Complete(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.act(ctx, ticketID, store.ActionComplete)
}

// Skip returns a called ticket to Waiting with its original queue number.
func (m *Manager) Skip(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.act(ctx, ticketID, store.ActionSkip)
}

func (m *Manager) NoShow(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.act(ctx, ticketID, store.ActionNoShow)
}

func (m *Manager) act(ctx context.Context, ticketID string, action store.Action) (ticket models.Ticket, err error) {
	ctx, span := m.tracer.Start(ctx, "calling."+string(action), trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer func() { endSpan(span, err) }()

	located, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}

	var eventType string
	err = m.store.InPartition(ctx, located.Partition(), func(tx store.PartitionTx) error {
		current, err := tx.Ticket(ctx, ticketID)
		if err != nil {
			return err
		}
		ticket, eventType, err = m.apply(ctx, tx, current, action)
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if eventType != "" {
		m.publish(eventType, ticket)
	}
	return ticket, nil
}

// apply performs action on current inside tx. An empty event type means the
// action changed nothing.
func (m *Manager) apply(ctx context.Context, tx store.PartitionTx, current models.Ticket, action store.Action) (models.Ticket, string, error) {
	if action == store.ActionBeginService && current.Status == models.StatusServing {
		return current, "", nil
	}
	if action == store.ActionSkip && m.maxCallAttempts > 0 && current.CalledCount >= m.maxCallAttempts {
		action = store.ActionNoShow
	}

	to, err := store.Transition(action, current.Status)
	if err != nil {
		return models.Ticket{}, "", err
	}

	now := m.now().UTC()
	next := current
	next.Status = to
	switch action {
	case store.ActionRecall:
		next.CalledCount++
		next.CalledAt = &now
	case store.ActionBeginService:
		next.ServingStartedAt = &now
	case store.ActionComplete:
		next.CompletedAt = &now
	}

	eventType := store.EventType(action)
	if err := tx.SaveTicket(ctx, next, eventType); err != nil {
		return models.Ticket{}, "", err
	}

	if action == store.ActionComplete {
		if err := tx.AppendSample(ctx, serviceSample(next, now)); err != nil {
			return models.Ticket{}, "", err
		}
	}
	if current.Active() && !next.Active() && tx.ActiveTicketID() == next.TicketID {
		if err := tx.SetActiveTicket(ctx, ""); err != nil {
			return models.Ticket{}, "", err
		}
	}
	return next, eventType, nil
}

func serviceSample(ticket models.Ticket, completedAt time.Time) models.ServiceTimeSample {
	started := completedAt
	switch {
	case ticket.ServingStartedAt != nil:
		started = *ticket.ServingStartedAt
	case ticket.CalledAt != nil:
		started = *ticket.CalledAt
	}
	duration := completedAt.Sub(started)
	if duration < 0 {
		duration = 0
	}
	return models.ServiceTimeSample{
		TicketID:        ticket.TicketID,
		RoomID:          ticket.RoomID,
		QueueType:       ticket.QueueType,
		DurationSeconds: duration.Seconds(),
		RecordedAt:      completedAt,
	}
}

// ExpireCalled resolves tickets that have been Called for longer than grace
// without service starting. They become NoShow, or go back to Waiting when
// returnToQueue is set.
func (m *Manager) ExpireCalled(ctx context.Context, grace time.Duration, batchSize int, returnToQueue bool) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	cutoff := m.now().UTC().Add(-grace)
	stale, err := m.store.ListStaleCalled(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	action := store.ActionNoShow
	if returnToQueue {
		action = store.ActionSkip
	}

	var errs []error
	processed := 0
	for _, candidate := range stale {
		ticket, eventType, err := m.resolve(ctx, candidate, action, func(current models.Ticket) bool {
			return current.Status == models.StatusCalled && current.CalledAt != nil && !current.CalledAt.After(cutoff)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", candidate.TicketCode, err))
			continue
		}
		if eventType == "" {
			continue
		}
		processed++
		m.publish(eventType, ticket)
	}
	return processed, errors.Join(errs...)
}

// CloseDay retires every ticket of a past queue day that is still open.
// Tickets never carry over to the next day.
func (m *Manager) CloseDay(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	today := m.Today()
	closed := 0
	for {
		open, err := m.store.ListOpenBefore(ctx, today, batchSize)
		if err != nil {
			return closed, err
		}
		for _, candidate := range open {
			ticket, eventType, err := m.resolve(ctx, candidate, store.ActionCloseDay, func(current models.Ticket) bool {
				return !current.Status.Terminal()
			})
			if err != nil {
				return closed, fmt.Errorf("close %s %s: %w", candidate.Partition(), candidate.TicketCode, err)
			}
			if eventType == "" {
				continue
			}
			closed++
			m.publish(eventType, ticket)
		}
		if len(open) < batchSize {
			return closed, nil
		}
	}
}

// resolve applies action to a ticket found by a background scan, after
// re-reading it under the partition lock and checking it still qualifies.
func (m *Manager) resolve(ctx context.Context, candidate models.Ticket, action store.Action, qualifies func(models.Ticket) bool) (models.Ticket, string, error) {
	var ticket models.Ticket
	var eventType string
	err := m.store.InPartition(ctx, candidate.Partition(), func(tx store.PartitionTx) error {
		current, err := tx.Ticket(ctx, candidate.TicketID)
		if err != nil {
			return err
		}
		if !qualifies(current) {
			return nil
		}
		ticket, eventType, err = m.apply(ctx, tx, current, action)
		return err
	})
	return ticket, eventType, err
}

// activeTicketBusy reports whether the partition's active pointer names a
// ticket that still occupies the room. A pointer left at a finished ticket
// is cleared.
func activeTicketBusy(ctx context.Context, tx store.PartitionTx) (bool, error) {
	activeID := tx.ActiveTicketID()
	if activeID == "" {
		return false, nil
	}
	active, err := tx.Ticket(ctx, activeID)
	switch {
	case err == nil && active.Active():
		return true, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, err
	}
	log.Warn().Str("partition", tx.Partition().String()).Str("ticket_id", activeID).Msg("clearing stale active ticket")
	return false, tx.SetActiveTicket(ctx, "")
}

func (m *Manager) publish(eventType string, ticket models.Ticket) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(models.QueueEvent{Type: eventType, Ticket: ticket, OccurredAt: m.now().UTC()})
}

func (m *Manager) startSpan(ctx context.Context, name, roomID string, queueType models.QueueType) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("queue.type", string(queueType)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
