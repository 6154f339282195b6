// Package models contains shared data models used across the taskrunner codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle status of a job as recorded in the store and
// reported by the queue backend.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusStarted TaskStatus = "STARTED"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
)

var statusLabels = map[TaskStatus]string{
	StatusPending: "Pending",
	StatusStarted: "In progress",
	StatusSuccess: "Done",
	StatusFailure: "Error",
}

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the human-readable name of the status.
func (s TaskStatus) Label() string {
	return statusLabels[s]
}

// ActiveStatuses are the statuses counted against the per-user admission cap.
func ActiveStatuses() []TaskStatus {
	return []TaskStatus{StatusPending, StatusStarted}
}

// Result keys shared by the scheduler, the engine and the reconciler.
const (
	ResultKeyError      = "error"
	ResultKeyErrorType  = "error_type"
	ResultKeyDispatchID = "dispatch_id"
)

// Error kinds recorded under ResultKeyErrorType and logged as error_kind.
const (
	KindValidation        = "ValidationError"
	KindCapacity          = "CapacityError"
	KindNotFound          = "NotFoundError"
	KindUnknownType       = "UnknownTypeError"
	KindProcessor         = "ProcessorError"
	KindTimeLimit         = "TimeLimitExceeded"
	KindEngineUnavailable = "EngineUnavailableError"
)

// Job is a unit of submitted work. ID, OwnerID, Type, Input and CreatedAt never
// change after creation; Status and Result are written by the execution engine
// (and by scheduling validation at creation time).
type Job struct {
	ID         uuid.UUID      `db:"id"          json:"id"`
	OwnerID    uuid.UUID      `db:"owner_id"    json:"-"`
	Type       string         `db:"type"        json:"type"`
	Input      map[string]any `db:"input"       json:"input"`
	Status     TaskStatus     `db:"status"      json:"status"`
	Result     map[string]any `db:"result"      json:"result"`
	DispatchID *uuid.UUID     `db:"dispatch_id" json:"-"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"  json:"-"`
}

// ErrorResult builds the result descriptor stored on a failed job.
func ErrorResult(message, kind string) map[string]any {
	return map[string]any{
		ResultKeyError:     message,
		ResultKeyErrorType: kind,
	}
}

// Clone returns a shallow copy of j whose Result map can be replaced without
// touching the original.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
