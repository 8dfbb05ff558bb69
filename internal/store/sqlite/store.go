// Package sqlite is a single-node TicketStore. SQLite has one writer at a
// time, so every partition transaction is serialized database-wide; readers
// run concurrently under WAL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Fixed width keeps lexical order equal to chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const ticketColumns = `ticket_id, COALESCE(request_id, ''), ticket_code, queue_number, priority, status,
	room_id, queue_type, queue_date, called_count, created_at, called_at, serving_started_at, completed_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Options struct {
	Now func() time.Time
}

// New opens (or creates) the database at path and applies the schema.
func New(path string, options Options) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	s := &Store{db: db, now: options.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (ticket models.Ticket, created bool, err error) {
	if verr := input.Partition.Validate(); verr != nil {
		return models.Ticket{}, false, fmt.Errorf("%w: %v", store.ErrInvalidPartition, verr)
	}
	if !input.Priority.Valid() {
		return models.Ticket{}, false, fmt.Errorf("%w: invalid priority", store.ErrInvalidPartition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if input.RequestID != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = ?`, input.RequestID)
		existing, scanErr := scanTicket(row)
		if scanErr == nil {
			if err = tx.Commit(); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			err = scanErr
			return models.Ticket{}, false, err
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()

	p := input.Partition
	var number int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO queue_partitions (queue_date, room_id, queue_type, next_number, active_ticket_id, updated_at)
		VALUES (?, ?, ?, 1, '', ?)
		ON CONFLICT (queue_date, room_id, queue_type)
		DO UPDATE SET next_number = queue_partitions.next_number + 1, updated_at = excluded.updated_at
		RETURNING next_number
	`, p.QueueDate, p.RoomID, string(p.QueueType), formatTime(createdAt)).Scan(&number)
	if err != nil {
		return models.Ticket{}, false, err
	}

	prefix := input.CodePrefix
	if prefix == "" {
		prefix = p.QueueType.CodePrefix()
	}
	ticket = models.Ticket{
		TicketID:    uuid.NewString(),
		TicketCode:  models.FormatTicketCode(prefix, number),
		QueueNumber: number,
		Priority:    input.Priority,
		Status:      models.StatusWaiting,
		RoomID:      p.RoomID,
		QueueType:   p.QueueType,
		QueueDate:   p.QueueDate,
		RequestID:   input.RequestID,
		CreatedAt:   createdAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, ticket_code, queue_number, priority, status,
			room_id, queue_type, queue_date, called_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, ticket.TicketID, nullIfEmpty(ticket.RequestID), ticket.TicketCode, ticket.QueueNumber, int(ticket.Priority),
		string(ticket.Status), ticket.RoomID, string(ticket.QueueType), ticket.QueueDate, formatTime(ticket.CreatedAt))
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, models.EventTicketIssued, createdAt); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListByPartition(ctx context.Context, partition models.Partition, statuses ...models.Status) ([]models.Ticket, error) {
	return listPartition(ctx, s.db, partition, statuses)
}

func (s *Store) ListOpen(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error) {
	if len(query.RoomIDs) == 0 {
		return nil, nil
	}
	sqlText := `SELECT ` + ticketColumns + ` FROM tickets WHERE queue_date = ?`
	args := []any{query.QueueDate}
	sqlText, args = appendIn(sqlText, args, "room_id", query.RoomIDs)
	if query.QueueType != "" {
		sqlText += " AND queue_type = ?"
		args = append(args, string(query.QueueType))
	}
	sqlText, args = appendIn(sqlText, args, "status", statusStrings(store.OpenStatuses))
	sqlText += " ORDER BY queue_number ASC"
	return queryTickets(ctx, s.db, sqlText, args...)
}

func (s *Store) CountByStatus(ctx context.Context, query store.BoardQuery) (map[models.Status]int, error) {
	counts := make(map[models.Status]int)
	if len(query.RoomIDs) == 0 {
		return counts, nil
	}
	sqlText := `SELECT status, COUNT(*) FROM tickets WHERE queue_date = ?`
	args := []any{query.QueueDate}
	sqlText, args = appendIn(sqlText, args, "room_id", query.RoomIDs)
	if query.QueueType != "" {
		sqlText += " AND queue_type = ?"
		args = append(args, string(query.QueueType))
	}
	sqlText += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *Store) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTickets(ctx, s.db, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = 'called' AND called_at <= ?
		ORDER BY called_at ASC
		LIMIT ?
	`, formatTime(calledBefore), limit)
}

func (s *Store) ListOpenBefore(ctx context.Context, queueDate string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTickets(ctx, s.db, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE queue_date < ? AND status IN ('waiting', 'called', 'serving')
		ORDER BY queue_date ASC, room_id ASC, queue_number ASC
		LIMIT ?
	`, queueDate, limit)
}

func (s *Store) InPartition(ctx context.Context, partition models.Partition, fn func(tx store.PartitionTx) error) (err error) {
	if verr := partition.Validate(); verr != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidPartition, verr)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Writing first takes the database write lock before anything is read.
	var active string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO queue_partitions (queue_date, room_id, queue_type, next_number, active_ticket_id, updated_at)
		VALUES (?, ?, ?, 0, '', ?)
		ON CONFLICT (queue_date, room_id, queue_type)
		DO UPDATE SET updated_at = excluded.updated_at
		RETURNING active_ticket_id
	`, partition.QueueDate, partition.RoomID, string(partition.QueueType), formatTime(s.now())).Scan(&active)
	if err != nil {
		return err
	}

	ptx := &partitionTx{tx: tx, partition: partition, active: active, now: s.now}
	if err = fn(ptx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListSamples(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error) {
	sqlText := `
		SELECT ticket_id, room_id, queue_type, duration_seconds, recorded_at
		FROM service_time_samples
		WHERE 1=1`
	var args []any
	if query.RoomID != "" {
		sqlText += " AND room_id = ?"
		args = append(args, query.RoomID)
	}
	if query.QueueType != "" {
		sqlText += " AND queue_type = ?"
		args = append(args, string(query.QueueType))
	}
	if !query.Since.IsZero() {
		sqlText += " AND recorded_at >= ?"
		args = append(args, formatTime(query.Since))
	}
	sqlText += " ORDER BY recorded_at DESC, sample_id DESC"
	if query.Limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.ServiceTimeSample
	for rows.Next() {
		var sample models.ServiceTimeSample
		var queueType, recordedAt string
		if err := rows.Scan(&sample.TicketID, &sample.RoomID, &queueType, &sample.DurationSeconds, &recordedAt); err != nil {
			return nil, err
		}
		sample.QueueType = models.QueueType(queueType)
		if sample.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload, createdAt string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type partitionTx struct {
	tx        *sql.Tx
	partition models.Partition
	active    string
	now       func() time.Time
}

func (p *partitionTx) Partition() models.Partition {
	return p.partition
}

func (p *partitionTx) ActiveTicketID() string {
	return p.active
}

func (p *partitionTx) Tickets(ctx context.Context, statuses ...models.Status) ([]models.Ticket, error) {
	return listPartition(ctx, p.tx, p.partition, statuses)
}

func (p *partitionTx) Ticket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := p.tx.QueryRowContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE ticket_id = ? AND queue_date = ? AND room_id = ? AND queue_type = ?
	`, ticketID, p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (p *partitionTx) SaveTicket(ctx context.Context, ticket models.Ticket, eventType string) error {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, priority = ?, called_count = ?, called_at = ?, serving_started_at = ?, completed_at = ?
		WHERE ticket_id = ? AND queue_date = ? AND room_id = ? AND queue_type = ?
	`, string(ticket.Status), int(ticket.Priority), ticket.CalledCount, formatTimePtr(ticket.CalledAt),
		formatTimePtr(ticket.ServingStartedAt), formatTimePtr(ticket.CompletedAt),
		ticket.TicketID, p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrRoomBusy
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return insertTicketEvent(ctx, p.tx, ticket, eventType, p.now())
}

func (p *partitionTx) SetActiveTicket(ctx context.Context, ticketID string) error {
	_, err := p.tx.ExecContext(ctx, `
		UPDATE queue_partitions
		SET active_ticket_id = ?, updated_at = ?
		WHERE queue_date = ? AND room_id = ? AND queue_type = ?
	`, ticketID, formatTime(p.now()), p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	if err != nil {
		return err
	}
	p.active = ticketID
	return nil
}

func (p *partitionTx) AppendSample(ctx context.Context, sample models.ServiceTimeSample) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO service_time_samples (ticket_id, room_id, queue_type, duration_seconds, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, sample.TicketID, sample.RoomID, string(sample.QueueType), sample.DurationSeconds, formatTime(sample.RecordedAt))
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func listPartition(ctx context.Context, q queryer, partition models.Partition, statuses []models.Status) ([]models.Ticket, error) {
	sqlText := `SELECT ` + ticketColumns + ` FROM tickets WHERE queue_date = ? AND room_id = ? AND queue_type = ?`
	args := []any{partition.QueueDate, partition.RoomID, string(partition.QueueType)}
	if len(statuses) > 0 {
		sqlText, args = appendIn(sqlText, args, "status", statusStrings(statuses))
	}
	sqlText += " ORDER BY queue_number ASC"
	return queryTickets(ctx, q, sqlText, args...)
}

func queryTickets(ctx context.Context, q queryer, query string, args ...any) ([]models.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func insertTicketEvent(ctx context.Context, tx *sql.Tx, ticket models.Ticket, eventType string, createdAt time.Time) error {
	var last *store.TicketEvent
	var seq int
	var hash string
	err := tx.QueryRowContext(ctx, `
		SELECT ticket_seq, hash FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID).Scan(&seq, &hash)
	switch {
	case err == nil:
		last = &store.TicketEvent{TicketSeq: seq, Hash: hash}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	event, err := store.NextTicketEvent(last, ticket, eventType, createdAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), formatTime(event.CreatedAt), event.PrevHash, event.Hash)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (models.Ticket, error) {
	var ticket models.Ticket
	var priority int
	var status, queueType, createdAt string
	var calledAt, servingStartedAt, completedAt sql.NullString
	err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.TicketCode, &ticket.QueueNumber, &priority, &status,
		&ticket.RoomID, &queueType, &ticket.QueueDate, &ticket.CalledCount, &createdAt, &calledAt, &servingStartedAt, &completedAt)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Priority = models.Priority(priority)
	ticket.Status = models.Status(status)
	ticket.QueueType = models.QueueType(queueType)
	if ticket.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.CalledAt, err = parseTimePtr(calledAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.ServingStartedAt, err = parseTimePtr(servingStartedAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func appendIn(query string, args []any, column string, values []string) (string, []any) {
	placeholders := make([]string, len(values))
	for i, value := range values {
		placeholders[i] = "?"
		args = append(args, value)
	}
	return query + " AND " + column + " IN (" + strings.Join(placeholders, ", ") + ")", args
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func parseTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
