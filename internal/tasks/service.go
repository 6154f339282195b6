// Package tasks turns client requests into jobs: admission, creation,
// dispatch to the queue backend, and reconciled reads.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/internal/scheduler"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

// SubmitRequest is a client's job submission.
type SubmitRequest struct {
	Type  string         `json:"type"`
	Input map[string]any `json:"input"`
}

// ListParams selects a page of the owner's jobs. An empty Status means all.
type ListParams struct {
	Status models.TaskStatus
	Page   int
	Limit  int
}

// Service orchestrates job submission and reads.
type Service struct {
	store      store.Store
	broker     queue.Broker
	registry   *processor.Registry
	scheduler  *scheduler.Scheduler
	admission  *Admission
	reconciler *Reconciler
	now        func() time.Time
}

// NewService creates a new Service. maxActive is the per-owner admission cap.
func NewService(st store.Store, broker queue.Broker, reg *processor.Registry, sched *scheduler.Scheduler, maxActive int) *Service {
	return &Service{
		store:      st,
		broker:     broker,
		registry:   reg,
		scheduler:  sched,
		admission:  NewAdmission(st, maxActive),
		reconciler: NewReconciler(broker),
		now:        time.Now,
	}
}

// Submit admits, stores and dispatches a job.
//
// Capacity and request validation errors are returned with nothing stored.
// A bad scheduled_at, or a queue backend that refuses the message, is not an
// error: the job is stored as Failure with a descriptor and returned.
func (s *Service) Submit(ctx context.Context, owner uuid.UUID, req SubmitRequest) (*models.Job, error) {
	if err := s.admission.Check(ctx, owner); err != nil {
		return nil, err
	}

	if req.Type == "" {
		return nil, &ValidationError{Field: "type", Message: "this field is required"}
	}
	if !s.registry.Has(req.Type) {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("%q is not a valid choice", req.Type)}
	}
	if req.Input == nil {
		return nil, &ValidationError{Field: "input", Message: "this field is required"}
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   owner,
		Type:      req.Type,
		Input:     req.Input,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	at, delayed, err := s.scheduler.EligibleAt(req.Input)
	if err != nil {
		job.Status = models.StatusFailure
		job.Result = models.ErrorResult(err.Error(), models.KindValidation)
		if err := s.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}
		slog.Info("job rejected by scheduler",
			"job_id", job.ID,
			"error", err,
			"error_kind", models.KindValidation,
		)
		return job, nil
	}

	// The handle is allocated up front so the row is written once, complete,
	// before any worker can pick the message up.
	handle := uuid.New()
	job.DispatchID = &handle
	job.Result = maps.Clone(req.Input)
	job.Result[models.ResultKeyDispatchID] = handle.String()

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	return s.dispatch(ctx, job, at, delayed), nil
}

// dispatch enqueues job exactly once. If the backend refuses, the job is
// marked Failure so it does not hold an admission slot forever.
func (s *Service) dispatch(ctx context.Context, job *models.Job, at time.Time, delayed bool) *models.Job {
	_, err := s.broker.Enqueue(ctx, queue.Message{
		ID:         *job.DispatchID,
		JobID:      job.ID,
		DeliverAt:  at,
		EnqueuedAt: s.now().UTC(),
	})
	if err == nil {
		slog.Info("job dispatched",
			"job_id", job.ID,
			"dispatch_id", job.DispatchID,
			"type", job.Type,
			"delayed", delayed,
			"deliver_at", at,
		)
		return job
	}

	slog.Error("dispatch failed",
		"job_id", job.ID,
		"error", err,
		"error_kind", models.KindEngineUnavailable,
	)
	result := models.ErrorResult(err.Error(), models.KindEngineUnavailable)
	if uerr := s.store.UpdateJobState(ctx, job.ID, models.StatusFailure, result); uerr != nil {
		slog.Error("failed to record dispatch failure", "job_id", job.ID, "error", uerr)
		return job
	}
	job.Status = models.StatusFailure
	job.Result = result
	return job
}

// Get returns the owner's job, reconciled with the live queue status.
// Returns store.ErrNotFound if the job does not exist or belongs to someone else.
func (s *Service) Get(ctx context.Context, owner, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetOwnedJob(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return s.reconciler.View(ctx, job), nil
}

// List returns a page of the owner's stored jobs, newest first, and the total
// number of matches.
func (s *Service) List(ctx context.Context, owner uuid.UUID, p ListParams) ([]*models.Job, int, error) {
	if p.Status != "" && !p.Status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a valid status", p.Status)}
	}
	return s.store.ListJobs(ctx, store.JobFilter{
		OwnerID: owner,
		Status:  p.Status,
		Page:    p.Page,
		Limit:   p.Limit,
	})
}

// Types lists the registered job types.
func (s *Service) Types() []string {
	return s.registry.Types()
}

// MaxActive returns the per-owner admission cap.
func (s *Service) MaxActive() int {
	return s.admission.Limit()
}
