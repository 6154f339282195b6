// Package queue is the dispatch backend: a durable, delayed, at-least-once
// message queue with per-message acknowledgment, a dead-letter list, and the
// live status of every dispatch handle.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

var (
	// ErrHandleNotFound means the backend holds no status for a dispatch handle.
	ErrHandleNotFound = errors.New("dispatch handle not found")
	// ErrUnavailable wraps any failure to reach the backend.
	ErrUnavailable = errors.New("queue backend unavailable")
)

// Message is one dispatch of a job. Its ID is the dispatch handle recorded on
// the job; it stays the same across retries.
type Message struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	Attempt    int       `json:"attempt"`
	DeliverAt  time.Time `json:"deliver_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// DeadLetter is a message that will not be delivered again.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Broker is the dispatch backend interface. Implementations must be safe for
// concurrent use by many workers and API handlers.
type Broker interface {
	// Enqueue makes msg deliverable at msg.DeliverAt. Enqueueing a message
	// whose ID is already scheduled or reserved is a no-op.
	Enqueue(ctx context.Context, msg Message) (uuid.UUID, error)
	// Reserve hands out one ready message, hiding it from other workers until
	// visibility elapses. Returns nil, nil when nothing is ready.
	Reserve(ctx context.Context, visibility time.Duration) (*Message, error)
	// Ack removes a reserved message for good.
	Ack(ctx context.Context, id uuid.UUID) error
	// Retry returns a reserved message to the queue, deliverable at at.
	Retry(ctx context.Context, msg Message, at time.Time) error
	// DeadLetter removes a reserved message and records it with reason.
	DeadLetter(ctx context.Context, msg Message, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) error
	// Status returns the live status of a dispatch handle. Errors wrap
	// ErrHandleNotFound or ErrUnavailable.
	Status(ctx context.Context, id uuid.UUID) (models.TaskStatus, error)
	Ping(ctx context.Context) error
}
