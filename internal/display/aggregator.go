// Package display builds the read-only snapshots polled by public queue boards.
package display

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"qms/queue-dispatch/internal/dispatch"
	"qms/queue-dispatch/internal/estimate"
	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"
)

type ServiceTimer interface {
	AverageServiceTime(ctx context.Context, roomID string, queueType models.QueueType) (time.Duration, error)
}

type Options struct {
	Location     *time.Location
	Now          func() time.Time
	PollInterval time.Duration
}

type Aggregator struct {
	store     store.TicketStore
	estimator ServiceTimer
	loc       *time.Location
	now       func() time.Time
	poll      time.Duration
}

func New(st store.TicketStore, estimator ServiceTimer, options Options) *Aggregator {
	a := &Aggregator{
		store:     st,
		estimator: estimator,
		loc:       options.Location,
		now:       options.Now,
		poll:      options.PollInterval,
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// BuildSnapshot projects today's open tickets of the given rooms into a board
// view. An empty queueType covers every queue type. It never writes.
func (a *Aggregator) BuildSnapshot(ctx context.Context, roomIDs []string, queueType models.QueueType) (models.DisplaySnapshot, error) {
	rooms := normalizeRooms(roomIDs)
	if len(rooms) == 0 {
		return models.DisplaySnapshot{}, fmt.Errorf("%w: at least one room_id is required", store.ErrInvalidPartition)
	}
	if queueType != "" && !queueType.Valid() {
		return models.DisplaySnapshot{}, fmt.Errorf("%w: unknown queue type %q", store.ErrInvalidPartition, queueType)
	}

	now := a.now()
	query := store.BoardQuery{
		QueueDate: now.In(a.loc).Format(models.QueueDateLayout),
		RoomIDs:   rooms,
		QueueType: queueType,
	}
	tickets, err := a.store.ListOpen(ctx, query)
	if err != nil {
		return models.DisplaySnapshot{}, err
	}
	counts, err := a.store.CountByStatus(ctx, query)
	if err != nil {
		return models.DisplaySnapshot{}, err
	}

	averages, err := a.averages(ctx, rooms, queueType)
	if err != nil {
		return models.DisplaySnapshot{}, err
	}

	snapshot := models.DisplaySnapshot{
		RoomIDs:        rooms,
		QueueType:      queueType,
		QueueDate:      query.QueueDate,
		ServingLabel:   queueType.ServingLabel(),
		CurrentServing: make(map[string]models.Ticket),
		CallingList:    []models.Ticket{},
		WaitingList:    []models.WaitingEntry{},
		GeneratedAt:    now.UTC(),
	}
	if a.poll > 0 {
		snapshot.PollAfterSeconds = int(a.poll / time.Second)
	}

	byPartition := make(map[models.Partition][]models.Ticket)
	for _, ticket := range tickets {
		switch ticket.Status {
		case models.StatusWaiting:
			byPartition[ticket.Partition()] = append(byPartition[ticket.Partition()], ticket)
		case models.StatusCalled, models.StatusServing:
			current, ok := snapshot.CurrentServing[ticket.RoomID]
			if !ok || calledLater(ticket, current) {
				snapshot.CurrentServing[ticket.RoomID] = ticket
			}
			if ticket.Status == models.StatusCalled {
				snapshot.CallingList = append(snapshot.CallingList, ticket)
			}
		}
	}
	sort.SliceStable(snapshot.CallingList, func(i, j int) bool {
		return calledLater(snapshot.CallingList[i], snapshot.CallingList[j])
	})

	var totalMinutes float64
	for partition, waiting := range byPartition {
		avg := averages[averageKey{roomID: partition.RoomID, queueType: partition.QueueType}]
		for i, ticket := range dispatch.Ranked(waiting) {
			entry := models.WaitingEntry{
				Ticket:               ticket,
				Position:             i + 1,
				EstimatedWaitMinutes: estimate.Minutes(avg, i+1),
			}
			totalMinutes += entry.EstimatedWaitMinutes
			snapshot.WaitingList = append(snapshot.WaitingList, entry)
		}
	}
	sort.SliceStable(snapshot.WaitingList, func(i, j int) bool {
		return dispatch.Less(snapshot.WaitingList[i].Ticket, snapshot.WaitingList[j].Ticket)
	})

	snapshot.TotalWaiting = len(snapshot.WaitingList)
	if snapshot.TotalWaiting > 0 {
		snapshot.AverageWaitMinutes = totalMinutes / float64(snapshot.TotalWaiting)
	}

	snapshot.Stats = models.QueueStats{
		Waiting:   counts[models.StatusWaiting],
		Called:    counts[models.StatusCalled],
		Serving:   counts[models.StatusServing],
		Completed: counts[models.StatusCompleted],
		NoShow:    counts[models.StatusNoShow],
	}
	if len(averages) > 0 {
		var sum time.Duration
		for _, avg := range averages {
			sum += avg
		}
		snapshot.Stats.AverageServiceMinutes = (sum / time.Duration(len(averages))).Minutes()
	}
	return snapshot, nil
}

type averageKey struct {
	roomID    string
	queueType models.QueueType
}

func (a *Aggregator) averages(ctx context.Context, rooms []string, queueType models.QueueType) (map[averageKey]time.Duration, error) {
	types := []models.QueueType{queueType}
	if queueType == "" {
		types = models.QueueTypes()
	}
	out := make(map[averageKey]time.Duration, len(rooms)*len(types))
	for _, roomID := range rooms {
		for _, qt := range types {
			avg, err := a.estimator.AverageServiceTime(ctx, roomID, qt)
			if err != nil {
				return nil, err
			}
			out[averageKey{roomID: roomID, queueType: qt}] = avg
		}
	}
	return out, nil
}

// calledLater orders active tickets by most recent call first.
func calledLater(a, b models.Ticket) bool {
	switch {
	case a.CalledAt == nil:
		return false
	case b.CalledAt == nil:
		return true
	case !a.CalledAt.Equal(*b.CalledAt):
		return a.CalledAt.After(*b.CalledAt)
	}
	return a.TicketCode < b.TicketCode
}

func normalizeRooms(roomIDs []string) []string {
	seen := make(map[string]bool, len(roomIDs))
	rooms := make([]string, 0, len(roomIDs))
	for _, raw := range roomIDs {
		roomID := strings.TrimSpace(raw)
		if roomID == "" || seen[roomID] {
			continue
		}
		seen[roomID] = true
		rooms = append(rooms, roomID)
	}
	return rooms
}
