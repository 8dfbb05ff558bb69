package store

import (
	"context"
	"time"

	"qms/queue-dispatch/internal/models"
)

type IssueTicketInput struct {
	RequestID  string
	Partition  models.Partition
	Priority   models.Priority
	CodePrefix string
	CreatedAt  time.Time
}

type SampleQuery struct {
	RoomID    string
	QueueType models.QueueType
	Since     time.Time
	Limit     int
}

// BoardQuery selects the tickets of one queue day shown on a display board.
// An empty QueueType matches every queue type.
type BoardQuery struct {
	QueueDate string
	RoomIDs   []string
	QueueType models.QueueType
}

type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListByPartition(ctx context.Context, partition models.Partition, statuses ...models.Status) ([]models.Ticket, error)
	ListOpen(ctx context.Context, query BoardQuery) ([]models.Ticket, error)
	CountByStatus(ctx context.Context, query BoardQuery) (map[models.Status]int, error)
	ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Ticket, error)
	ListOpenBefore(ctx context.Context, queueDate string, limit int) ([]models.Ticket, error)
	InPartition(ctx context.Context, partition models.Partition, fn func(tx PartitionTx) error) error
	ListSamples(ctx context.Context, query SampleQuery) ([]models.ServiceTimeSample, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

// PartitionTx is a unit of work holding the partition's lock. Writes made
// through it commit together when the callback returns nil and are discarded
// otherwise.
type PartitionTx interface {
	Partition() models.Partition
	ActiveTicketID() string
	Tickets(ctx context.Context, statuses ...models.Status) ([]models.Ticket, error)
	Ticket(ctx context.Context, ticketID string) (models.Ticket, error)
	SaveTicket(ctx context.Context, ticket models.Ticket, eventType string) error
	SetActiveTicket(ctx context.Context, ticketID string) error
	AppendSample(ctx context.Context, sample models.ServiceTimeSample) error
}

// OpenStatuses are the non-terminal states a ticket rests in.
var OpenStatuses = []models.Status{models.StatusWaiting, models.StatusCalled, models.StatusServing}
