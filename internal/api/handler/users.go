package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/internal/api/response"
	"github.com/kiranshivaraju/taskrunner/internal/apikey"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
)

const maxUsernameLen = 150

var reUsername = regexp.MustCompile(`^[\w.@+-]+$`)

// UserRegistrar is the subset of store.Store used to create accounts.
type UserRegistrar interface {
	RegisterUser(ctx context.Context, user *models.User, key *models.APIKey) error
}

type createUserResponse struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	APIKey    string    `json:"api_key"` // shown once
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreateUserHandler returns an http.HandlerFunc for POST /api/v1/users.
// The user and a first API key are written in one transaction.
func NewCreateUserHandler(s UserRegistrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Email    string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		req.Username = strings.TrimSpace(req.Username)
		req.Email = strings.TrimSpace(req.Email)
		if details := validateUser(req.Username, req.Email); len(details) > 0 {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid user", details)
			return
		}

		now := time.Now().UTC()
		user := &models.User{
			ID:        uuid.New(),
			Username:  req.Username,
			Email:     req.Email,
			CreatedAt: now,
			UpdatedAt: now,
		}

		rawKey, key, err := apikey.New(user.ID, "default")
		if err != nil {
			response.Internal(w, "api key generation failed", err)
			return
		}

		if err := s.RegisterUser(r.Context(), user, key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "USERNAME_TAKEN",
					"A user with that username already exists", nil)
				return
			}
			response.Internal(w, "user registration failed", err)
			return
		}

		slog.Info("user registered", "user_id", user.ID, "key_prefix", key.KeyPrefix)
		response.Created(w, createUserResponse{
			ID:        user.ID,
			Username:  user.Username,
			Email:     user.Email,
			APIKey:    rawKey,
			KeyPrefix: key.KeyPrefix,
			CreatedAt: user.CreatedAt,
		})
	}
}

func validateUser(username, email string) map[string][]string {
	details := map[string][]string{}
	switch {
	case username == "":
		details["username"] = []string{"this field is required"}
	case len(username) > maxUsernameLen:
		details["username"] = []string{"must be at most 150 characters"}
	case !reUsername.MatchString(username):
		details["username"] = []string{"may contain only letters, digits and @/./+/-/_"}
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			details["email"] = []string{"enter a valid email address"}
		}
	}
	return details
}
