package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const ticketColumns = `ticket_id, COALESCE(request_id, ''), ticket_code, queue_number, priority, status,
	room_id, queue_type, queue_date, called_count, created_at, called_at, serving_started_at, completed_at`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Options struct {
	Now func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	s := &Store{pool: pool, now: options.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	if err := input.Partition.Validate(); err != nil {
		return models.Ticket{}, false, fmt.Errorf("%w: %v", store.ErrInvalidPartition, err)
	}
	if !input.Priority.Valid() {
		return models.Ticket{}, false, fmt.Errorf("%w: invalid priority", store.ErrInvalidPartition)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, lookupErr := findTicketByRequestID(ctx, tx, input.RequestID)
		if lookupErr != nil {
			err = lookupErr
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	p := input.Partition
	number, err := nextQueueNumber(ctx, tx, p)
	if err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()

	prefix := input.CodePrefix
	if prefix == "" {
		prefix = p.QueueType.CodePrefix()
	}
	ticket := models.Ticket{
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

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, ticket_code, queue_number, priority, status,
			room_id, queue_type, queue_date, called_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10)
	`, ticket.TicketID, nullIfEmpty(ticket.RequestID), ticket.TicketCode, ticket.QueueNumber, int(ticket.Priority),
		string(ticket.Status), ticket.RoomID, string(ticket.QueueType), ticket.QueueDate, ticket.CreatedAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, models.EventTicketIssued, createdAt); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListByPartition(ctx context.Context, partition models.Partition, statuses ...models.Status) ([]models.Ticket, error) {
	return listPartition(ctx, s.pool, partition, statuses)
}

// ListOpen reads the board in a single statement so a poll never sees half of
// a transition.
func (s *Store) ListOpen(ctx context.Context, query store.BoardQuery) ([]models.Ticket, error) {
	if len(query.RoomIDs) == 0 {
		return nil, nil
	}
	sqlText := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE queue_date = $1 AND room_id = ANY($2) AND status = ANY($3)
	`
	args := []interface{}{query.QueueDate, query.RoomIDs, statusStrings(store.OpenStatuses)}
	if query.QueueType != "" {
		sqlText += " AND queue_type = $4"
		args = append(args, string(query.QueueType))
	}
	sqlText += " ORDER BY queue_number ASC"
	return queryTickets(ctx, s.pool, sqlText, args...)
}

func (s *Store) CountByStatus(ctx context.Context, query store.BoardQuery) (map[models.Status]int, error) {
	counts := make(map[models.Status]int)
	if len(query.RoomIDs) == 0 {
		return counts, nil
	}
	sqlText := `
		SELECT status, COUNT(*)
		FROM tickets
		WHERE queue_date = $1 AND room_id = ANY($2)
	`
	args := []interface{}{query.QueueDate, query.RoomIDs}
	if query.QueueType != "" {
		sqlText += " AND queue_type = $3"
		args = append(args, string(query.QueueType))
	}
	sqlText += " GROUP BY status"

	rows, err := s.pool.Query(ctx, sqlText, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTickets(ctx, s.pool, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
	`, calledBefore, limit)
}

func (s *Store) ListOpenBefore(ctx context.Context, queueDate string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTickets(ctx, s.pool, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_date < $1 AND status IN ('waiting', 'called', 'serving')
		ORDER BY queue_date ASC, room_id ASC, queue_number ASC
		LIMIT $2
	`, queueDate, limit)
}

// InPartition locks the partition row for the duration of fn. Partitions never
// share a lock, so rooms do not contend with each other.
func (s *Store) InPartition(ctx context.Context, partition models.Partition, fn func(tx store.PartitionTx) error) (err error) {
	if verr := partition.Validate(); verr != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidPartition, verr)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	active, err := lockPartition(ctx, tx, partition)
	if err != nil {
		return err
	}

	ptx := &partitionTx{tx: tx, partition: partition, active: active, now: s.now}
	if err = fn(ptx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSamples(ctx context.Context, query store.SampleQuery) ([]models.ServiceTimeSample, error) {
	sqlText := `
		SELECT ticket_id, room_id, queue_type, duration_seconds, recorded_at
		FROM service_time_samples
		WHERE TRUE
	`
	var args []interface{}
	if query.RoomID != "" {
		args = append(args, query.RoomID)
		sqlText += fmt.Sprintf(" AND room_id = $%d", len(args))
	}
	if query.QueueType != "" {
		args = append(args, string(query.QueueType))
		sqlText += fmt.Sprintf(" AND queue_type = $%d", len(args))
	}
	if !query.Since.IsZero() {
		args = append(args, query.Since)
		sqlText += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	sqlText += " ORDER BY recorded_at DESC, sample_id DESC"
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sqlText += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.ServiceTimeSample
	for rows.Next() {
		var sample models.ServiceTimeSample
		var queueType string
		if err := rows.Scan(&sample.TicketID, &sample.RoomID, &queueType, &sample.DurationSeconds, &sample.RecordedAt); err != nil {
			return nil, err
		}
		sample.QueueType = models.QueueType(queueType)
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, store.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type partitionTx struct {
	tx        pgx.Tx
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
	row := p.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND queue_date = $2 AND room_id = $3 AND queue_type = $4
		FOR UPDATE
	`, ticketID, p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (p *partitionTx) SaveTicket(ctx context.Context, ticket models.Ticket, eventType string) error {
	tag, err := p.tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, priority = $2, called_count = $3, called_at = $4, serving_started_at = $5, completed_at = $6
		WHERE ticket_id = $7 AND queue_date = $8 AND room_id = $9 AND queue_type = $10
	`, string(ticket.Status), int(ticket.Priority), ticket.CalledCount, ticket.CalledAt, ticket.ServingStartedAt, ticket.CompletedAt,
		ticket.TicketID, p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrRoomBusy
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return insertTicketEvent(ctx, p.tx, ticket, eventType, p.now())
}

func (p *partitionTx) SetActiveTicket(ctx context.Context, ticketID string) error {
	_, err := p.tx.Exec(ctx, `
		UPDATE queue_partitions
		SET active_ticket_id = $1, updated_at = now()
		WHERE queue_date = $2 AND room_id = $3 AND queue_type = $4
	`, ticketID, p.partition.QueueDate, p.partition.RoomID, string(p.partition.QueueType))
	if err != nil {
		return err
	}
	p.active = ticketID
	return nil
}

func (p *partitionTx) AppendSample(ctx context.Context, sample models.ServiceTimeSample) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO service_time_samples (ticket_id, room_id, queue_type, duration_seconds, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sample.TicketID, sample.RoomID, string(sample.QueueType), sample.DurationSeconds, sample.RecordedAt)
	return err
}

func lockPartition(ctx context.Context, tx pgx.Tx, p models.Partition) (string, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_partitions (queue_date, room_id, queue_type, next_number, active_ticket_id)
		VALUES ($1, $2, $3, 0, '')
		ON CONFLICT (queue_date, room_id, queue_type) DO NOTHING
	`, p.QueueDate, p.RoomID, string(p.QueueType))
	if err != nil {
		return "", err
	}

	var active string
	row := tx.QueryRow(ctx, `
		SELECT active_ticket_id
		FROM queue_partitions
		WHERE queue_date = $1 AND room_id = $2 AND queue_type = $3
		FOR UPDATE
	`, p.QueueDate, p.RoomID, string(p.QueueType))
	if err := row.Scan(&active); err != nil {
		return "", err
	}
	return active, nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, p models.Partition) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_partitions (queue_date, room_id, queue_type, next_number, active_ticket_id)
		VALUES ($1, $2, $3, 1, '')
		ON CONFLICT (queue_date, room_id, queue_type)
		DO UPDATE SET next_number = queue_partitions.next_number + 1, updated_at = now()
		RETURNING next_number
	`, p.QueueDate, p.RoomID, string(p.QueueType))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, createdAt time.Time) error {
	var last *store.TicketEvent
	var seq int
	var hash string
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	err := row.Scan(&seq, &hash)
	switch {
	case err == nil:
		last = &store.TicketEvent{TicketSeq: seq, Hash: hash}
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextTicketEvent(last, ticket, eventType, createdAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func listPartition(ctx context.Context, q querier, partition models.Partition, statuses []models.Status) ([]models.Ticket, error) {
	sqlText := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE queue_date = $1 AND room_id = $2 AND queue_type = $3
	`
	args := []interface{}{partition.QueueDate, partition.RoomID, string(partition.QueueType)}
	if len(statuses) > 0 {
		sqlText += " AND status = ANY($4)"
		args = append(args, statusStrings(statuses))
	}
	sqlText += " ORDER BY queue_number ASC"
	return queryTickets(ctx, q, sqlText, args...)
}

func queryTickets(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := q.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var priority int
	var status, queueType string
	var calledAtNull, servingStartedAtNull, completedAtNull sql.NullTime
	err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.TicketCode, &ticket.QueueNumber, &priority, &status,
		&ticket.RoomID, &queueType, &ticket.QueueDate, &ticket.CalledCount, &ticket.CreatedAt,
		&calledAtNull, &servingStartedAtNull, &completedAtNull)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Priority = models.Priority(priority)
	ticket.Status = models.Status(status)
	ticket.QueueType = models.QueueType(queueType)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServingStartedAt = nullTimePtr(servingStartedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
