package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/taskrunner/internal/api/middleware"
	"github.com/kiranshivaraju/taskrunner/internal/api/response"
)

// TasksScope is the API key scope required for the task endpoints.
const TasksScope = "tasks"

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	CreateUserHandler http.HandlerFunc
	CreateTaskHandler http.HandlerFunc
	ListTasksHandler  http.HandlerFunc
	GetTaskHandler    http.HandlerFunc
	TaskTypesHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/users", orNotImplemented(deps.CreateUserHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)
		r.Use(deps.Auth.RequireScope(TasksScope))

		r.Post("/api/v1/tasks", orNotImplemented(deps.CreateTaskHandler))
		r.Get("/api/v1/tasks", orNotImplemented(deps.ListTasksHandler))
		r.Get("/api/v1/tasks/{taskID}", orNotImplemented(deps.GetTaskHandler))
		r.Get("/api/v1/task-types", orNotImplemented(deps.TaskTypesHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
