package tasks

import (
	"errors"
	"fmt"
)

var ErrCapacityExceeded = errors.New("active task limit reached")

// CapacityError is returned when an owner already holds Limit active jobs.
type CapacityError struct {
	Limit  int
	Active int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum number of active tasks exceeded (%d)", e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// ValidationError rejects a submission before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
