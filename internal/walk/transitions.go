package walk

import (
	"fmt"

	"backend-pawwalk/internal/apperr"
)

type Op string

const (
	OpStart  Op = "start"
	OpEnd    Op = "end"
	OpCancel Op = "cancel"
)

var transitions = map[Status]map[Op]Status{
	StatusScheduled: {
		OpStart:  StatusInProgress,
		OpCancel: StatusCancelled,
	},
	StatusInProgress: {
		OpEnd:    StatusCompleted,
		OpCancel: StatusCancelled,
	},
}

// Next returns the status reached by applying op to from.
func Next(from Status, op Op) (Status, error) {
	to, ok := transitions[from][op]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s a %s walk", apperr.ErrInvalidTransition, op, from)
	}
	return to, nil
}
