package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// RegisterUser creates a user together with its first API key.
	RegisterUser(ctx context.Context, user *models.User, key *models.APIKey) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	// GetJob loads a job regardless of owner. Used by the execution engine.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// GetOwnedJob loads a job only if ownerID owns it; otherwise ErrNotFound.
	GetOwnedJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	// UpdateJobState sets status and result together. Returns
	// ErrInvalidTransition if the current status cannot move to status.
	UpdateJobState(ctx context.Context, id uuid.UUID, status models.TaskStatus, result map[string]any) error
	CountActiveJobs(ctx context.Context, ownerID uuid.UUID) (int, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
}

type JobFilter struct {
	OwnerID uuid.UUID
	Status  models.TaskStatus
	Page    int
	Limit   int
}

// Normalize applies the default and maximum page size.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

// validTransitions lists the statuses a job may move to. Re-applying the
// current status is allowed so that redelivered messages stay harmless.
// SUCCESS is terminal; FAILURE may restart on retry.
var validTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusPending: {models.StatusPending, models.StatusStarted, models.StatusFailure},
	models.StatusStarted: {models.StatusStarted, models.StatusSuccess, models.StatusFailure},
	models.StatusFailure: {models.StatusStarted, models.StatusFailure},
}

// CanTransition reports whether a job in from may be moved to to.
func CanTransition(from, to models.TaskStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
