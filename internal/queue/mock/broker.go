package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

// MockBroker is an in-memory queue.Broker for tests. The *Func hooks, when
// set, replace the default behaviour of the matching method.
type MockBroker struct {
	mu        sync.Mutex
	messages  map[uuid.UUID]queue.Message
	scheduled map[uuid.UUID]time.Time
	reserved  map[uuid.UUID]time.Time
	statuses  map[uuid.UUID]models.TaskStatus
	dead      []queue.DeadLetter

	Now         func() time.Time
	EnqueueFunc func(ctx context.Context, msg queue.Message) (uuid.UUID, error)
	StatusFunc  func(ctx context.Context, id uuid.UUID) (models.TaskStatus, error)
	PingFunc    func(ctx context.Context) error

	EnqueueCalls int
}

// NewMockBroker returns an empty broker on the wall clock.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		messages:  make(map[uuid.UUID]queue.Message),
		scheduled: make(map[uuid.UUID]time.Time),
		reserved:  make(map[uuid.UUID]time.Time),
		statuses:  make(map[uuid.UUID]models.TaskStatus),
		Now:       time.Now,
	}
}

// NewUnavailableBroker returns a broker whose every call fails with err
// wrapped in queue.ErrUnavailable.
func NewUnavailableBroker(err error) *MockBroker {
	b := NewMockBroker()
	b.EnqueueFunc = func(context.Context, queue.Message) (uuid.UUID, error) {
		return uuid.Nil, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	b.StatusFunc = func(context.Context, uuid.UUID) (models.TaskStatus, error) {
		return "", fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	b.PingFunc = func(context.Context) error { return err }
	return b
}

func (b *MockBroker) Enqueue(ctx context.Context, msg queue.Message) (uuid.UUID, error) {
	b.mu.Lock()
	b.EnqueueCalls++
	b.mu.Unlock()
	if b.EnqueueFunc != nil {
		return b.EnqueueFunc(ctx, msg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[msg.ID]; ok {
		return msg.ID, nil
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.Now()
	}
	if msg.DeliverAt.IsZero() {
		msg.DeliverAt = msg.EnqueuedAt
	}
	b.messages[msg.ID] = msg
	b.scheduled[msg.ID] = msg.DeliverAt
	b.statuses[msg.ID] = models.StatusPending
	return msg.ID, nil
}

func (b *MockBroker) Reserve(_ context.Context, visibility time.Duration) (*queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()

	for id, deadline := range b.reserved {
		if !deadline.After(now) {
			delete(b.reserved, id)
			b.scheduled[id] = now
		}
	}

	var due []uuid.UUID
	for id, at := range b.scheduled {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return b.scheduled[due[i]].Before(b.scheduled[due[j]]) })

	id := due[0]
	delete(b.scheduled, id)
	b.reserved[id] = now.Add(visibility)
	msg := b.messages[id]
	return &msg, nil
}

func (b *MockBroker) Ack(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reserved, id)
	delete(b.messages, id)
	return nil
}

func (b *MockBroker) Retry(_ context.Context, msg queue.Message, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.DeliverAt = at
	b.messages[msg.ID] = msg
	delete(b.reserved, msg.ID)
	b.scheduled[msg.ID] = at
	return nil
}

func (b *MockBroker) DeadLetter(_ context.Context, msg queue.Message, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reserved, msg.ID)
	delete(b.messages, msg.ID)
	b.dead = append([]queue.DeadLetter{{Message: msg, Reason: reason, FailedAt: b.Now()}}, b.dead...)
	return nil
}

func (b *MockBroker) DeadLetters(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}
	out := make([]queue.DeadLetter, limit)
	copy(out, b.dead[:limit])
	return out, nil
}

func (b *MockBroker) SetStatus(_ context.Context, id uuid.UUID, status models.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = status
	return nil
}

func (b *MockBroker) Status(ctx context.Context, id uuid.UUID) (models.TaskStatus, error) {
	if b.StatusFunc != nil {
		return b.StatusFunc(ctx, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", queue.ErrHandleNotFound, id)
	}
	return st, nil
}

func (b *MockBroker) Ping(ctx context.Context) error {
	if b.PingFunc != nil {
		return b.PingFunc(ctx)
	}
	return nil
}

// Pending reports how many messages are scheduled or reserved.
func (b *MockBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scheduled) + len(b.reserved)
}

// Message returns the stored message for id, if it is still queued.
func (b *MockBroker) Message(id uuid.UUID) (queue.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	return m, ok
}

var _ queue.Broker = (*MockBroker)(nil)
