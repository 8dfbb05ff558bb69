package models

import (
	"fmt"
	"strings"
	"time"
)

const QueueDateLayout = "2006-01-02"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	TicketCode       string     `json:"ticket_code"`
	QueueNumber      int        `json:"queue_number"`
	Priority         Priority   `json:"priority"`
	Status           Status     `json:"status"`
	RoomID           string     `json:"room_id"`
	QueueType        QueueType  `json:"queue_type"`
	QueueDate        string     `json:"queue_date"`
	CalledCount      int        `json:"called_count"`
	RequestID        string     `json:"request_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (t Ticket) Partition() Partition {
	return Partition{QueueDate: t.QueueDate, RoomID: t.RoomID, QueueType: t.QueueType}
}

// Active reports whether the ticket currently occupies its room.
func (t Ticket) Active() bool {
	return t.Status == StatusCalled || t.Status == StatusServing
}

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusNoShow    Status = "no_show"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusSkipped, StatusNoShow:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Priority is ordinal: a larger value is served first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityNormal:    "normal",
	PriorityHigh:      "high",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func ParsePriority(raw string) (Priority, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == value {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", raw)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type QueueType string

const (
	QueueExamination QueueType = "examination"
	QueueLabSample   QueueType = "lab_sample"
)

var queuePrefixes = map[QueueType]string{
	QueueExamination: "A",
	QueueLabSample:   "L",
}

func ParseQueueType(raw string) (QueueType, error) {
	q := QueueType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := queuePrefixes[q]; !ok {
		return "", fmt.Errorf("unknown queue type %q", raw)
	}
	return q, nil
}

// QueueTypes lists every known queue type in a stable order.
func QueueTypes() []QueueType {
	return []QueueType{QueueExamination, QueueLabSample}
}

func (q QueueType) Valid() bool {
	_, ok := queuePrefixes[q]
	return ok
}

// CodePrefix is the letter printed in front of the queue number on the ticket.
func (q QueueType) CodePrefix() string {
	return queuePrefixes[q]
}

// ServingLabel is how boards name the Serving state. Lab boards show samples
// as "processing"; the state itself is the same.
func (q QueueType) ServingLabel() string {
	if q == QueueLabSample {
		return "processing"
	}
	return "serving"
}

// FormatTicketCode renders a queue number as a printed ticket code, e.g. A-001.
func FormatTicketCode(prefix string, number int) string {
	return fmt.Sprintf("%s-%03d", prefix, number)
}

// Partition is the scope within which ordering and the single active ticket are evaluated.
type Partition struct {
	QueueDate string    `json:"queue_date"`
	RoomID    string    `json:"room_id"`
	QueueType QueueType `json:"queue_type"`
}

func (p Partition) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return fmt.Errorf("room_id is required")
	}
	if !p.QueueType.Valid() {
		return fmt.Errorf("unknown queue type %q", p.QueueType)
	}
	if _, err := time.Parse(QueueDateLayout, p.QueueDate); err != nil {
		return fmt.Errorf("queue_date must be YYYY-MM-DD: %q", p.QueueDate)
	}
	return nil
}

func (p Partition) String() string {
	return p.QueueDate + "/" + p.RoomID + "/" + string(p.QueueType)
}

type ServiceTimeSample struct {
	TicketID        string    `json:"ticket_id"`
	RoomID          string    `json:"room_id"`
	QueueType       QueueType `json:"queue_type"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

func (s ServiceTimeSample) Duration() time.Duration {
	return time.Duration(s.DurationSeconds * float64(time.Second))
}
