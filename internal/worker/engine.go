// Package worker is the execution engine: a pool of goroutines that reserve
// dispatched jobs from the queue backend, run the registered handler under a
// time limit, write the outcome to the store, and retry or dead-letter
// failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

var ErrJobNotFound = errors.New("job not found")

// Policy is the retry and time-limit policy applied to every attempt.
type Policy struct {
	MaxRetries int
	RetryDelay time.Duration
	TimeLimit  time.Duration
}

// DefaultPolicy retries three times, one minute apart, with a 30 minute limit
// per attempt.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, RetryDelay: time.Minute, TimeLimit: 30 * time.Minute}
}

// Outcome is the result of one attempt. Exactly one of Output and Err is set.
type Outcome struct {
	Output map[string]any
	Err    error
	Kind   string
}

func (o Outcome) Failed() bool { return o.Err != nil }

// Engine runs single attempts. It holds no per-job state between calls; the
// attempt counter travels on the queue message.
type Engine struct {
	store    store.Store
	broker   queue.Broker
	registry *processor.Registry
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, broker queue.Broker, reg *processor.Registry, policy Policy, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		broker:   broker,
		registry: reg,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one delivery of msg and settles it with exactly one of
// Ack, Retry or DeadLetter. The returned error is informational; the message
// has already been settled or left for redelivery.
func (e *Engine) Process(ctx context.Context, msg queue.Message) error {
	log := e.logger.With(
		slog.String("job_id", msg.JobID.String()),
		slog.String("dispatch_id", msg.ID.String()),
		slog.Int("attempt", msg.Attempt+1),
	)

	job, err := e.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("job vanished before execution",
			slog.String("error_kind", models.KindNotFound),
		)
		if dlErr := e.broker.DeadLetter(ctx, msg, "job not found"); dlErr != nil {
			log.Error("failed to dead-letter message", slog.String("error", dlErr.Error()))
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, msg.JobID)
	}
	if err != nil {
		return e.requeue(ctx, msg, log, fmt.Errorf("load job: %w", err))
	}

	if job.Status == models.StatusSuccess {
		log.Info("job already succeeded, dropping redelivery")
		return e.broker.Ack(ctx, msg.ID)
	}

	if err := e.store.UpdateJobState(ctx, job.ID, models.StatusStarted, job.Result); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("job cannot be started, dropping message", slog.String("error", err.Error()))
			return e.broker.Ack(ctx, msg.ID)
		}
		return e.requeue(ctx, msg, log, fmt.Errorf("mark started: %w", err))
	}
	e.setLiveStatus(ctx, msg, models.StatusStarted, log)

	log.Info("job started", slog.String("type", job.Type))
	start := e.now()
	out := e.Attempt(ctx, job)
	elapsed := e.now().Sub(start)

	if ctx.Err() != nil {
		// Shutdown cancelled the attempt: leave the message reserved so it is
		// redelivered once its visibility deadline passes.
		log.Warn("attempt interrupted by shutdown", slog.String("error", ctx.Err().Error()))
		return ctx.Err()
	}

	if !out.Failed() {
		return e.handleSuccess(ctx, msg, job, out, elapsed, log)
	}
	return e.handleFailure(ctx, msg, job, out, log)
}

// Attempt resolves and runs the job's handler under the policy time limit.
// A handler that ignores cancellation is abandoned when the limit expires.
func (e *Engine) Attempt(ctx context.Context, job *models.Job) Outcome {
	handler, err := e.registry.Resolve(job.Type)
	if err != nil {
		return Outcome{Err: err, Kind: models.KindUnknownType}
	}

	ctx, cancel := context.WithTimeout(ctx, e.policy.TimeLimit)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Err: fmt.Errorf("handler panicked: %v", r), Kind: models.KindProcessor}
			}
		}()
		output, err := handler(ctx, job.Input)
		if err != nil {
			done <- Outcome{Err: err, Kind: classify(ctx, err)}
			return
		}
		done <- Outcome{Output: output}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{
				Err:  fmt.Errorf("time limit exceeded (%s)", e.policy.TimeLimit),
				Kind: models.KindTimeLimit,
			}
		}
		return Outcome{Err: ctx.Err(), Kind: models.KindProcessor}
	}
}

func classify(ctx context.Context, err error) string {
	var verr *processor.ValidationError
	switch {
	case errors.As(err, &verr):
		return models.KindValidation
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.KindTimeLimit
	default:
		return models.KindProcessor
	}
}

func (e *Engine) handleSuccess(ctx context.Context, msg queue.Message, job *models.Job, out Outcome, elapsed time.Duration, log *slog.Logger) error {
	if err := e.store.UpdateJobState(ctx, job.ID, models.StatusSuccess, out.Output); err != nil {
		return e.requeue(ctx, msg, log, fmt.Errorf("mark success: %w", err))
	}
	e.setLiveStatus(ctx, msg, models.StatusSuccess, log)

	if err := e.broker.Ack(ctx, msg.ID); err != nil {
		log.Error("failed to ack message", slog.String("error", err.Error()))
		return err
	}

	log.Info("job succeeded", slog.Duration("elapsed", elapsed))
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, msg queue.Message, job *models.Job, out Outcome, log *slog.Logger) error {
	log = log.With(
		slog.String("error", out.Err.Error()),
		slog.String("error_kind", out.Kind),
	)

	result := models.ErrorResult(out.Err.Error(), out.Kind)
	if err := e.store.UpdateJobState(ctx, job.ID, models.StatusFailure, result); err != nil {
		log.Error("failed to record failure", slog.String("store_error", err.Error()))
	}
	e.setLiveStatus(ctx, msg, models.StatusFailure, log)

	if msg.Attempt < e.policy.MaxRetries {
		return e.scheduleRetry(ctx, msg, out, log)
	}
	return e.sendToDeadLetter(ctx, msg, out, log)
}

func (e *Engine) scheduleRetry(ctx context.Context, msg queue.Message, out Outcome, log *slog.Logger) error {
	msg.Attempt++
	msg.LastError = out.Err.Error()
	at := e.now().Add(e.policy.RetryDelay)

	if err := e.broker.Retry(ctx, msg, at); err != nil {
		log.Error("failed to schedule retry", slog.String("queue_error", err.Error()))
		return err
	}

	log.Warn("job failed, retry scheduled",
		slog.Int("retries_left", e.policy.MaxRetries-msg.Attempt),
		slog.Time("retry_at", at),
	)
	return out.Err
}

func (e *Engine) sendToDeadLetter(ctx context.Context, msg queue.Message, out Outcome, log *slog.Logger) error {
	msg.LastError = out.Err.Error()
	reason := fmt.Sprintf("retries exhausted after %d attempts: %s", msg.Attempt+1, out.Kind)

	if err := e.broker.DeadLetter(ctx, msg, reason); err != nil {
		log.Error("failed to dead-letter message", slog.String("queue_error", err.Error()))
		return err
	}

	log.Error("job failed permanently", slog.Int("attempts", msg.Attempt+1))
	return out.Err
}

// requeue returns msg to the queue without consuming an attempt. Used when
// the store, not the handler, failed.
func (e *Engine) requeue(ctx context.Context, msg queue.Message, log *slog.Logger, cause error) error {
	log.Error("store unavailable, requeueing", slog.String("error", cause.Error()))
	if err := e.broker.Retry(ctx, msg, e.now().Add(e.policy.RetryDelay)); err != nil {
		log.Error("failed to requeue message", slog.String("queue_error", err.Error()))
	}
	return cause
}

func (e *Engine) setLiveStatus(ctx context.Context, msg queue.Message, status models.TaskStatus, log *slog.Logger) {
	if err := e.broker.SetStatus(ctx, msg.ID, status); err != nil {
		log.Warn("failed to publish live status",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}
