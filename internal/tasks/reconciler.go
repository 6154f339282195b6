package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

const defaultStatusTimeout = 2 * time.Second

// Reconciler merges the stored job with the live status the queue backend
// reports for its dispatch handle. It never writes to the store.
type Reconciler struct {
	broker  queue.Broker
	timeout time.Duration
}

func NewReconciler(broker queue.Broker) *Reconciler {
	return &Reconciler{broker: broker, timeout: defaultStatusTimeout}
}

// View returns the job as a reader should see it. The input job is not
// modified.
//
// Mapping of backend errors:
//   - handle unknown to the backend (expired or never written): stored view
//   - any other failure (timeout, refused, backend down): Failure view with
//     an EngineUnavailableError descriptor, unless already stored as Failure
func (r *Reconciler) View(ctx context.Context, job *models.Job) *models.Job {
	view := job.Clone()
	if job.Status == models.StatusSuccess || job.DispatchID == nil {
		return view
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	live, err := r.broker.Status(ctx, *job.DispatchID)
	switch {
	case err == nil:
		if overlay(job.Status, live) {
			view.Status = live
		}
	case errors.Is(err, queue.ErrHandleNotFound):
	default:
		slog.Warn("live status unavailable",
			"job_id", job.ID,
			"dispatch_id", job.DispatchID,
			"error", err,
			"error_kind", models.KindEngineUnavailable,
		)
		if job.Status != models.StatusFailure {
			view.Status = models.StatusFailure
			view.Result = models.ErrorResult(err.Error(), models.KindEngineUnavailable)
		}
	}
	return view
}

// overlay reports whether the live status should replace the stored one.
// The enqueue-time PENDING marker never hides progress the store already has.
func overlay(stored, live models.TaskStatus) bool {
	if !live.Valid() {
		return false
	}
	if live == models.StatusPending && stored != models.StatusPending {
		return false
	}
	return true
}
