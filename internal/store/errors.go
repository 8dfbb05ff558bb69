package store

import (
	"errors"
	"fmt"

	"qms/queue-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrRoomBusy          = errors.New("room already has an active ticket")
	ErrEmptyQueue        = errors.New("no ticket waiting")
	ErrInvalidPartition  = errors.New("invalid queue partition")
)

// TransitionError names the rejected action and the state it was attempted from.
type TransitionError struct {
	Action Action
	From   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s from %s", ErrInvalidTransition, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
