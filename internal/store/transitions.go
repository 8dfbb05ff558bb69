package store

import "qms/queue-dispatch/internal/models"

type Action string

const (
	ActionCall         Action = "call"
	ActionRecall       Action = "recall"
	ActionBeginService Action = "begin_service"
	ActionComplete     Action = "complete"
	ActionSkip         Action = "skip"
	ActionNoShow       Action = "no_show"
	// ActionCloseDay retires a ticket left open when its queue day has ended.
	ActionCloseDay     Action = "close_day"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[Action]transition{
	ActionCall:         {from: []models.Status{models.StatusWaiting}, to: models.StatusCalled},
	ActionRecall:       {from: []models.Status{models.StatusCalled}, to: models.StatusCalled},
	ActionBeginService: {from: []models.Status{models.StatusCalled}, to: models.StatusServing},
	ActionComplete:     {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionSkip:         {from: []models.Status{models.StatusCalled}, to: models.StatusWaiting},
	ActionNoShow:       {from: []models.Status{models.StatusCalled, models.StatusServing}, to: models.StatusNoShow},
	ActionCloseDay:     {from: []models.Status{models.StatusWaiting, models.StatusCalled, models.StatusServing}, to: models.StatusNoShow},
}

// Transition returns the state a ticket moves to when action is applied in fromStatus.
func Transition(action Action, fromStatus models.Status) (models.Status, error) {
	t, ok := transitionMap[action]
	if !ok {
		return fromStatus, &TransitionError{Action: action, From: fromStatus}
	}
	for _, status := range t.from {
		if status == fromStatus {
			return t.to, nil
		}
	}
	return fromStatus, &TransitionError{Action: action, From: fromStatus}
}

func ValidTransition(action Action, fromStatus models.Status) bool {
	_, err := Transition(action, fromStatus)
	return err == nil
}

// EventType is the event name recorded for a committed action.
func EventType(action Action) string {
	switch action {
	case ActionCall:
		return models.EventTicketCalled
	case ActionRecall:
		return models.EventTicketRecalled
	case ActionBeginService:
		return models.EventServiceStarted
	case ActionComplete:
		return models.EventTicketCompleted
	case ActionSkip:
		return models.EventTicketSkipped
	case ActionNoShow, ActionCloseDay:
		return models.EventTicketNoShow
	}
	return string(action)
}
