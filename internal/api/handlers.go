package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"parley/internal/clock"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/storage"
)

// Messages is the part of the lifecycle engine exposed over REST.
type Messages interface {
	History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error)
	MarkRead(ctx context.Context, origin presence.Sink, messageID, userID string) (models.Message, error)
	RemoveReaction(ctx context.Context, origin presence.Sink, messageID, userID string) (bool, error)
}

type Users interface {
	FindUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	AddPushSubscription(ctx context.Context, sub storage.PushSubscription) error
}

type Presence interface {
	IsOnline(userID string) bool
	Online() []string
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type API struct {
	messages     Messages
	users        Users
	presence     Presence
	clock        clock.Clock
	storeTimeout time.Duration
}

func New(messages Messages, users Users, presence Presence, clk clock.Clock, storeTimeout time.Duration) *API {
	return &API{
		messages:     messages,
		users:        users,
		presence:     presence,
		clock:        clk,
		storeTimeout: storeTimeout,
	}
}

// HistoryHandler serves GET /api/messages/{userId}/{receiverId}. Messages
// addressed to userId in the returned page are marked read.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := a.messages.History(r.Context(), r.PathValue("userId"), r.PathValue("receiverId"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// MarkReadHandler serves PUT /api/messages/read/{messageId}.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := actingUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.messages.MarkRead(r.Context(), nil, r.PathValue("messageId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// RemoveReactionHandler serves DELETE /api/messages/reaction/{messageId}.
func (a *API) RemoveReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := actingUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	removed, err := a.messages.RemoveReaction(r.Context(), nil, r.PathValue("messageId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := APIResponse{Success: true, Message: "Reaction removed"}
	if !removed {
		resp.Message = "No reaction to remove"
	}
	writeJSON(w, http.StatusOK, resp)
}

// UsersHandler lists all users with their live presence.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.storeTimeout)
	defer cancel()

	users, err := a.users.ListUsers(ctx)
	if err != nil {
		writeError(w, fmt.Errorf("%w: list users: %w", models.ErrStore, err))
		return
	}

	for i := range users {
		users[i].Online = a.presence.IsOnline(users[i].ID)
		if users[i].Online {
			users[i].Status = models.UserStatusOnline
		} else if users[i].Status == models.UserStatusOnline {
			users[i].Status = models.UserStatusOffline
		}
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscriptionHandler registers a browser PushSubscription for the
// user in the path.
func (a *API) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, fmt.Errorf("%w: endpoint and keys are required", models.ErrValidation))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.storeTimeout)
	defer cancel()

	userID := r.PathValue("userId")
	if _, err := a.users.FindUser(ctx, userID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			err = fmt.Errorf("%w: find user: %w", models.ErrStore, err)
		}
		writeError(w, err)
		return
	}

	err := a.users.AddPushSubscription(ctx, storage.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: a.clock.Now().Unix(),
	})
	if err != nil {
		writeError(w, fmt.Errorf("%w: add push subscription: %w", models.ErrStore, err))
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Message: "Subscription saved"})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": len(a.presence.Online()),
	})
}

// actingUser reads the acting user id from a JSON body ({"userId": ...})
// or, failing that, the userId query parameter.
func actingUser(r *http.Request) (string, error) {
	var body struct {
		UserID string `json:"userId"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: invalid request body", models.ErrValidation)
		}
	}
	if body.UserID == "" {
		body.UserID = r.URL.Query().Get("userId")
	}
	if body.UserID == "" {
		return "", fmt.Errorf("%w: userId is required", models.ErrValidation)
	}
	return body.UserID, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", models.ErrValidation, key)
	}
	return n, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrWindowExpired):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("api: request failed", "error", err)
	}
	writeJSON(w, status, APIResponse{Success: false, Message: models.ReplyMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "error", err)
	}
}
