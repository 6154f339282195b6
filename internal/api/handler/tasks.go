// Package handler implements the HTTP handlers behind the taskrunner API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/taskrunner/internal/api/middleware"
	"github.com/kiranshivaraju/taskrunner/internal/api/response"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/internal/tasks"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

// TaskService defines the interface the task handlers depend on.
type TaskService interface {
	Submit(ctx context.Context, owner uuid.UUID, req tasks.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, owner, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, owner uuid.UUID, p tasks.ListParams) ([]*models.Job, int, error)
	Types() []string
}

type taskResponse struct {
	ID            uuid.UUID         `json:"id"`
	Type          string            `json:"type"`
	Input         map[string]any    `json:"input"`
	Status        models.TaskStatus `json:"status"`
	StatusDisplay string            `json:"status_display"`
	Result        map[string]any    `json:"result"`
	CreatedAt     time.Time         `json:"created_at"`
}

func newTaskResponse(j *models.Job) taskResponse {
	return taskResponse{
		ID:            j.ID,
		Type:          j.Type,
		Input:         j.Input,
		Status:        j.Status,
		StatusDisplay: j.Status.Label(),
		Result:        j.Result,
		CreatedAt:     j.CreatedAt,
	}
}

// NewCreateTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks.
func NewCreateTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req tasks.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && typeErr.Field != "" {
				response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid task",
					map[string][]string{typeErr.Field: {"must be a JSON " + jsonKind(typeErr.Field)}})
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), userID, req)
		if err != nil {
			writeTaskError(w, err)
			return
		}

		response.Created(w, newTaskResponse(job))
	}
}

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_TASK_ID", "Task ID must be a valid UUID", nil)
			return
		}

		job, err := svc.Get(r.Context(), userID, taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}

		response.JSON(w, newTaskResponse(job))
	}
}

// NewListTasksHandler returns an http.HandlerFunc for GET /api/v1/tasks.
func NewListTasksHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		q := r.URL.Query()
		page, err := queryInt(q.Get("page"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "page must be a positive integer", nil)
			return
		}
		limit, err := queryInt(q.Get("limit"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a positive integer", nil)
			return
		}

		// Normalized here too so the meta echoes the page that was served.
		filter := store.JobFilter{Page: page, Limit: limit}.Normalize()

		jobs, total, err := svc.List(r.Context(), userID, tasks.ListParams{
			Status: models.TaskStatus(q.Get("status")),
			Page:   filter.Page,
			Limit:  filter.Limit,
		})
		if err != nil {
			var verr *tasks.ValidationError
			if errors.As(err, &verr) && verr.Field == "status" {
				response.Error(w, http.StatusBadRequest, "INVALID_STATUS", verr.Message, nil)
				return
			}
			writeTaskError(w, err)
			return
		}

		out := make([]taskResponse, len(jobs))
		for i, j := range jobs {
			out[i] = newTaskResponse(j)
		}
		response.Collection(w, out, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewTaskTypesHandler returns an http.HandlerFunc for GET /api/v1/task-types.
func NewTaskTypesHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, svc.Types())
	}
}

func writeTaskError(w http.ResponseWriter, err error) {
	var (
		verr *tasks.ValidationError
		cerr *tasks.CapacityError
	)
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid task",
			map[string][]string{verr.Field: {verr.Message}})
	case errors.As(err, &cerr):
		response.Error(w, http.StatusTooManyRequests, "CAPACITY_EXCEEDED", cerr.Error(),
			map[string]int{"limit": cerr.Limit, "active": cerr.Active})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Task not found", nil)
	default:
		response.Internal(w, "task request failed", err)
	}
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func jsonKind(field string) string {
	if field == "input" {
		return "object"
	}
	return "string"
}
