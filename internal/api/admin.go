package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/google/uuid"
)

type UserCreator interface {
	CreateUser(ctx context.Context, user models.User) error
}

type AdminHandler struct {
	users        UserCreator
	storeTimeout time.Duration
}

func NewAdminHandler(users UserCreator, storeTimeout time.Duration) *AdminHandler {
	return &AdminHandler{users: users, storeTimeout: storeTimeout}
}

type AddUserRequest struct {
	Username string `json:"username"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// AddUserHandler registers a user. The username is sanitized before the
// length and charset rules are applied.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: "Invalid request body"})
		return
	}

	username := content.Sanitize(strings.TrimSpace(req.Username))
	if err := content.ValidateUsername(username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: err.Error()})
		return
	}

	user := models.User{
		ID:       uuid.NewString(),
		UserName: username,
		Status:   models.UserStatusOffline,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	if err := h.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeJSON(w, http.StatusConflict, AddUserResponse{Message: fmt.Sprintf("Username %s is taken", username)})
			return
		}
		writeError(w, fmt.Errorf("%w: create user: %w", models.ErrStore, err))
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.UserName,
	})
}
