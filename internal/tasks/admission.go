package tasks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/store"
)

// Admission caps how many Pending or Started jobs one owner may hold.
//
// The count and the following insert are not atomic: two concurrent
// submissions from the same owner can both pass at limit-1. The cap is a
// fairness control, so that race is accepted.
type Admission struct {
	store store.Store
	limit int
}

func NewAdmission(st store.Store, limit int) *Admission {
	return &Admission{store: st, limit: limit}
}

// Check returns a *CapacityError if owner is at or above the limit.
func (a *Admission) Check(ctx context.Context, owner uuid.UUID) error {
	n, err := a.store.CountActiveJobs(ctx, owner)
	if err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}
	if n >= a.limit {
		return &CapacityError{Limit: a.limit, Active: n}
	}
	return nil
}

func (a *Admission) Limit() int { return a.limit }
