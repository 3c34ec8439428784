package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/lifecycle"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/signaling"
)

type UserFinder interface {
	FindUser(ctx context.Context, id string) (models.User, error)
}

type Presence interface {
	Attach(ctx context.Context, userID string, sink presence.Sink) error
	Detach(ctx context.Context, userID string) error
}

type Typing interface {
	Notify(sender, receiver string)
	Cancel(sender, receiver string)
}

type handlerFunc func(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error

// Hub routes client events of joined connections to the messaging core.
type Hub struct {
	users        UserFinder
	presence     Presence
	typing       Typing
	engine       *lifecycle.Engine
	relay        *signaling.Relay
	storeTimeout time.Duration

	handlers map[models.EventType]handlerFunc
}

func NewHub(
	users UserFinder,
	presence Presence,
	typing Typing,
	engine *lifecycle.Engine,
	relay *signaling.Relay,
	storeTimeout time.Duration,
) *Hub {
	h := &Hub{
		users:        users,
		presence:     presence,
		typing:       typing,
		engine:       engine,
		relay:        relay,
		storeTimeout: storeTimeout,
	}
	h.handlers = map[models.EventType]handlerFunc{
		models.EventTyping:         h.handleTyping,
		models.EventNewMessage:     h.handleNewMessage,
		models.EventEditMessage:    h.handleEditMessage,
		models.EventDeleteMessage:  h.handleDeleteMessage,
		models.EventAddReaction:    h.handleAddReaction,
		models.EventRemoveReaction: h.handleRemoveReaction,
		models.EventMarkRead:       h.handleMarkRead,
		models.EventCallInitiate:   h.handleCallInitiate,
		models.EventCallResponse:   h.handleCallResponse,
		models.EventWebRTCSignal:   h.handleSignal,
	}
	return h
}

// Join attaches sink as the connection of userID. attached reports whether
// the presence mapping was made; err may still carry a persistence failure
// in that case.
func (h *Hub) Join(ctx context.Context, userID string, sink presence.Sink) (attached bool, err error) {
	findCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	_, err = h.users.FindUser(findCtx, userID)
	cancel()
	switch {
	case errors.Is(err, models.ErrNotFound):
		return false, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	case err != nil:
		return false, fmt.Errorf("%w: find user: %w", models.ErrStore, err)
	}

	return true, h.presence.Attach(ctx, userID, sink)
}

// Leave ends typing and presence for userID.
func (h *Hub) Leave(ctx context.Context, userID string) {
	h.typing.Cancel(userID, "")
	if err := h.presence.Detach(ctx, userID); err != nil {
		slog.Warn("ws: failed to persist disconnect", "user_id", userID, "error", err)
	}
}

// Dispatch runs the handler for event on behalf of the joined userID.
func (h *Hub) Dispatch(ctx context.Context, origin presence.Sink, userID string, event models.ClientEvent) error {
	metrics.InboundEvents.WithLabelValues(string(event.Event)).Inc()

	handler, ok := h.handlers[event.Event]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", models.ErrValidation, event.Event)
	}
	return handler(ctx, origin, userID, event.Data)
}

func decode[T any](data json.RawMessage) (T, error) {
	var payload T
	if len(data) == 0 {
		return payload, fmt.Errorf("%w: Missing required fields", models.ErrValidation)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("%w: malformed payload", models.ErrValidation)
	}
	return payload, nil
}

// actingAs checks that the user named in a payload is the one the
// connection joined as.
func actingAs(userID, claimed string) error {
	if claimed == "" {
		return fmt.Errorf("%w: Missing required fields", models.ErrValidation)
	}
	if claimed != userID {
		return fmt.Errorf("%w: cannot act as another user", models.ErrPermission)
	}
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.TypingPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.SenderID); err != nil {
		return err
	}
	if p.ReceiverID == "" {
		return fmt.Errorf("%w: Missing required fields", models.ErrValidation)
	}
	h.typing.Notify(p.SenderID, p.ReceiverID)
	return nil
}

func (h *Hub) handleNewMessage(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.NewMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.SenderID); err != nil {
		return err
	}
	_, err = h.engine.Send(ctx, origin, lifecycle.DraftFromPayload(p))
	return err
}

func (h *Hub) handleEditMessage(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.EditMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.UserID); err != nil {
		return err
	}
	_, err = h.engine.Edit(ctx, origin, p.MessageID, p.UserID, p.NewContent)
	return err
}

func (h *Hub) handleDeleteMessage(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.MessageRefPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.UserID); err != nil {
		return err
	}
	return h.engine.Delete(ctx, origin, p.MessageID, p.UserID)
}

func (h *Hub) handleAddReaction(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.ReactionPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.UserID); err != nil {
		return err
	}
	_, err = h.engine.React(ctx, origin, p.MessageID, p.UserID, p.Reaction)
	return err
}

func (h *Hub) handleRemoveReaction(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.MessageRefPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.UserID); err != nil {
		return err
	}
	_, err = h.engine.RemoveReaction(ctx, origin, p.MessageID, p.UserID)
	return err
}

func (h *Hub) handleMarkRead(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.MessageRefPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.UserID); err != nil {
		return err
	}
	_, err = h.engine.MarkRead(ctx, origin, p.MessageID, p.UserID)
	return err
}

func (h *Hub) handleCallInitiate(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.CallInitiatePayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.SenderID); err != nil {
		return err
	}
	return h.relay.Initiate(origin, p.SenderID, p.ReceiverID, p.CallType)
}

// handleCallResponse expects the responder in receiverId and the caller in
// senderId.
func (h *Hub) handleCallResponse(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.CallResponsePayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.ReceiverID); err != nil {
		return err
	}
	_, err = h.relay.Respond(p.ReceiverID, p.SenderID, p.Response)
	return err
}

func (h *Hub) handleSignal(ctx context.Context, origin presence.Sink, userID string, data json.RawMessage) error {
	p, err := decode[models.SignalPayload](data)
	if err != nil {
		return err
	}
	if err := actingAs(userID, p.SenderID); err != nil {
		return err
	}
	_, err = h.relay.RelaySignal(p.SenderID, p.ReceiverID, p.Signal)
	return err
}
