package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

// Transition records one successful UpdateJobState call.
type Transition struct {
	JobID  uuid.UUID
	Status models.TaskStatus
	Result map[string]any
}

// MemoryStore is an in-memory store.Store for tests. It applies the same
// transition rules as the Postgres implementation.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*models.User
	keys        map[uuid.UUID]*models.APIKey
	jobs        map[uuid.UUID]*models.Job
	transitions []Transition

	PingFunc           func(ctx context.Context) error
	UpdateJobStateFunc func(ctx context.Context, id uuid.UUID, status models.TaskStatus, result map[string]any) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]*models.User),
		keys:  make(map[uuid.UUID]*models.APIKey),
		jobs:  make(map[uuid.UUID]*models.Job),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if s.PingFunc != nil {
		return s.PingFunc(ctx)
	}
	return nil
}

func (s *MemoryStore) RegisterUser(_ context.Context, user *models.User, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return store.ErrDuplicateKey
		}
	}
	if key != nil {
		if _, ok := s.keys[key.ID]; ok {
			return store.ErrDuplicateKey
		}
		k := *key
		s.keys[key.ID] = &k
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && !k.Revoked() {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetOwnedJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) UpdateJobState(ctx context.Context, id uuid.UUID, status models.TaskStatus, result map[string]any) error {
	if s.UpdateJobStateFunc != nil {
		return s.UpdateJobStateFunc(ctx, id, status, result)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	j.Status = status
	j.Result = result
	j.UpdatedAt = time.Now().UTC()
	s.transitions = append(s.transitions, Transition{JobID: id, Status: status, Result: result})
	return nil
}

func (s *MemoryStore) CountActiveJobs(_ context.Context, ownerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && (j.Status == models.StatusPending || j.Status == models.StatusStarted) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start >= total {
		return []*models.Job{}, total, nil
	}
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

// Transitions returns the status updates applied to id, in order.
func (s *MemoryStore) Transitions(id uuid.UUID) []models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TaskStatus
	for _, t := range s.transitions {
		if t.JobID == id {
			out = append(out, t.Status)
		}
	}
	return out
}

// JobCount returns the number of stored jobs.
func (s *MemoryStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

var _ store.Store = (*MemoryStore)(nil)
