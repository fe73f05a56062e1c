// Package ride encodes the ride lifecycle as a closed status set and a pure
// transition table. Only the dispatch coordinator applies transitions.
package ride

import (
	"errors"
	"fmt"
)

// Status is a closed set; free-form strings never enter the lifecycle.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusArriving   Status = "arriving"
	StatusPickedUp   Status = "picked_up"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRefused    Status = "refused"
)

// Action is a lifecycle verb applied to a ride.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionRefuse   Action = "refuse"
	ActionArrive   Action = "arrive"
	ActionPickUp   Action = "pick_up"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// ErrInvalidTransition is returned for any (status, action) pair outside the
// table, including every action against a terminal status. Callers surface it;
// they never retry it.
var ErrInvalidTransition = errors.New("invalid ride transition")

var transitions = map[Status]map[Action]Status{
	StatusRequested: {
		ActionAccept: StatusAccepted,
		ActionRefuse: StatusRefused,
	},
	StatusAccepted: {
		ActionArrive: StatusArriving,
		ActionCancel: StatusCancelled,
	},
	StatusArriving: {
		ActionPickUp: StatusPickedUp,
		ActionCancel: StatusCancelled,
	},
	StatusPickedUp: {
		ActionStart: StatusInProgress,
	},
	StatusInProgress: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
}

// Transition resolves the next status for (current, action). It is a pure
// lookup: identical inputs always yield identical outputs, so duplicate
// delivery of the same lifecycle event is safe to re-run.
func Transition(current Status, action Action) (Status, error) {
	next, ok := transitions[current][action]
	if !ok {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, action)
	}
	return next, nil
}

// Terminal reports whether s admits no further transitions.
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefused:
		return true
	}
	return false
}

// Valid reports whether s is a member of the status set.
func Valid(s Status) bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusArriving, StatusPickedUp,
		StatusInProgress, StatusCompleted, StatusCancelled, StatusRefused:
		return true
	}
	return false
}
