package store

import (
	"errors"
	"testing"

	"qms/queue-dispatch/internal/models"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		action Action
		from   models.Status
		to     models.Status
		valid  bool
	}{
		{ActionCall, models.StatusWaiting, models.StatusCalled, true},
		{ActionCall, models.StatusServing, "", false},
		{ActionCall, models.StatusCompleted, "", false},
		{ActionRecall, models.StatusCalled, models.StatusCalled, true},
		{ActionRecall, models.StatusWaiting, "", false},
		{ActionBeginService, models.StatusCalled, models.StatusServing, true},
		{ActionBeginService, models.StatusWaiting, "", false},
		{ActionComplete, models.StatusServing, models.StatusCompleted, true},
		{ActionComplete, models.StatusCalled, "", false},
		{ActionSkip, models.StatusCalled, models.StatusWaiting, true},
		{ActionSkip, models.StatusServing, "", false},
		{ActionNoShow, models.StatusCalled, models.StatusNoShow, true},
		{ActionNoShow, models.StatusServing, models.StatusNoShow, true},
		{ActionNoShow, models.StatusWaiting, "", false},
		{ActionNoShow, models.StatusCompleted, "", false},
		{ActionCloseDay, models.StatusWaiting, models.StatusNoShow, true},
		{ActionCloseDay, models.StatusServing, models.StatusNoShow, true},
		{ActionCloseDay, models.StatusCompleted, "", false},
		{Action("unknown"), models.StatusWaiting, "", false},
	}

	for _, tt := range cases {
		got, err := Transition(tt.action, tt.from)
		if tt.valid {
			if err != nil {
				t.Fatalf("Transition(%q, %q) unexpected error: %v", tt.action, tt.from, err)
			}
			if got != tt.to {
				t.Fatalf("Transition(%q, %q)=%q, want %q", tt.action, tt.from, got, tt.to)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(%q, %q) expected ErrInvalidTransition, got %v", tt.action, tt.from, err)
		}
		if got != tt.from {
			t.Fatalf("Transition(%q, %q) changed state to %q on failure", tt.action, tt.from, got)
		}
	}
}

func TestTerminalStatesAcceptNoAction(t *testing.T) {
	actions := []Action{ActionCall, ActionRecall, ActionBeginService, ActionComplete, ActionSkip, ActionNoShow, ActionCloseDay}
	for _, from := range []models.Status{models.StatusCompleted, models.StatusNoShow} {
		for _, action := range actions {
			if ValidTransition(action, from) {
				t.Fatalf("expected %s to reject %s", from, action)
			}
		}
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	_, err := Transition(ActionComplete, models.StatusWaiting)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.Action != ActionComplete || te.From != models.StatusWaiting {
		t.Fatalf("unexpected transition error: %+v", te)
	}
}
