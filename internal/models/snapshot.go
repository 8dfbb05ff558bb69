package models

import "time"

// DisplaySnapshot is the read-only feed served to public queue boards.
type DisplaySnapshot struct {
	RoomIDs            []string          `json:"room_ids"`
	QueueType          QueueType         `json:"queue_type,omitempty"`
	QueueDate          string            `json:"queue_date"`
	ServingLabel       string            `json:"serving_label"`
	CurrentServing     map[string]Ticket `json:"current_serving"`
	CallingList        []Ticket          `json:"calling_list"`
	WaitingList        []WaitingEntry    `json:"waiting_list"`
	TotalWaiting       int               `json:"total_waiting"`
	AverageWaitMinutes float64           `json:"average_wait_minutes"`
	Stats              QueueStats        `json:"stats"`
	GeneratedAt        time.Time         `json:"generated_at"`
	PollAfterSeconds   int               `json:"poll_after_seconds,omitempty"`
}

type WaitingEntry struct {
	Ticket
	Position             int     `json:"position"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
}

type QueueStats struct {
	Waiting               int     `json:"waiting"`
	Called                int     `json:"called"`
	Serving               int     `json:"serving"`
	Completed             int     `json:"completed"`
	NoShow                int     `json:"no_show"`
	AverageServiceMinutes float64 `json:"average_service_minutes"`
}

// QueueEvent is published to live subscribers after every committed transition.
type QueueEvent struct {
	Type       string    `json:"type"`
	Ticket     Ticket    `json:"ticket"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventTicketIssued    = "ticket.issued"
	EventTicketCalled    = "ticket.called"
	EventTicketRecalled  = "ticket.recalled"
	EventServiceStarted  = "ticket.serving"
	EventTicketCompleted = "ticket.completed"
	EventTicketSkipped   = "ticket.skipped"
	EventTicketNoShow    = "ticket.no_show"
)
