package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"parley/internal/content"
	"parley/internal/eventbus"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/presence"

	"github.com/google/uuid"
)

// Send validates and stores a new message, pushes it to the receiver when
// reachable and echoes the stored message to origin.
func (e *Engine) Send(ctx context.Context, origin presence.Sink, d Draft) (models.Message, error) {
	if err := required("senderId", d.SenderID, "receiverId", d.ReceiverID); err != nil {
		return models.Message{}, err
	}

	text := strings.TrimSpace(d.Content)
	if text != "" {
		text = strings.TrimSpace(content.Sanitize(text))
	}
	if text == "" && d.Media.Empty() {
		return models.Message{}, validationError("content is required")
	}

	kind := d.Kind
	switch {
	case kind == "" && d.Media.Empty():
		kind = models.MessageKindText
	case kind == "":
		kind = content.MediaKind(d.Media)
	case !kind.Valid():
		return models.Message{}, validationError("unsupported message type %q", kind)
	}

	// Sending ends typing in this conversation whatever happens next.
	e.typing.Cancel(d.SenderID, d.ReceiverID)

	if _, err := e.findUser(ctx, d.ReceiverID); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Content:    text,
		Kind:       kind,
		Media:      d.Media,
		CreatedAt:  e.clock.Now(),
	}
	err := e.store(ctx, "create_message", func(ctx context.Context) error {
		return e.messages.CreateMessage(ctx, msg)
	})
	if err != nil {
		return models.Message{}, err
	}
	transition("send")
	e.publish(ctx, eventbus.KeyMessageCreated, msg, msg.SenderID, "")

	delivered := false
	if sink, ok := e.peers.Resolve(msg.ReceiverID); ok {
		delivered = sink.Send(models.NewEvent(models.EventNewMessage, models.NewMessageEventPayload{
			Message: msg.Redacted(),
		}))
		if !delivered {
			metrics.DroppedEvents.Inc()
		}
	}
	if delivered {
		updated, err := e.MarkDelivered(ctx, msg.ID, msg.ReceiverID)
		if err != nil {
			slog.Warn("lifecycle: failed to record delivery", "message_id", msg.ID, "user_id", msg.ReceiverID, "error", err)
		} else {
			msg = updated
		}
	}

	if origin != nil {
		origin.Send(models.NewEvent(models.EventMessageSent, models.MessageSentPayload{
			Success: true,
			Message: msg.Redacted(),
		}))
	}

	if !delivered {
		e.pushOffline(ctx, msg)
	}
	return msg.Redacted(), nil
}

func (e *Engine) pushOffline(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.notifier.NotifyMessage(ctx, msg); err != nil {
		slog.Warn("lifecycle: push notification failed", "message_id", msg.ID, "user_id", msg.ReceiverID, "error", err)
	}
}

// Edit replaces the content of a message. Only the sender may edit, and
// only while less than the edit window has passed since creation.
func (e *Engine) Edit(ctx context.Context, origin presence.Sink, messageID, userID, newContent string) (models.Message, error) {
	if err := required("messageId", messageID, "userId", userID); err != nil {
		return models.Message{}, err
	}
	text := strings.TrimSpace(newContent)
	if text != "" {
		text = strings.TrimSpace(content.Sanitize(text))
	}
	if text == "" {
		return models.Message{}, validationError("newContent is required")
	}

	now := e.clock.Now()
	msg, _, err := e.mutate(ctx, messageID, func(m *models.Message) (bool, error) {
		if m.SenderID != userID {
			return false, fmt.Errorf("%w: only the sender can edit a message", models.ErrPermission)
		}
		if now.Sub(m.CreatedAt) >= e.cfg.EditWindow {
			return false, fmt.Errorf("%w: messages can only be edited within %s of sending", models.ErrWindowExpired, e.cfg.EditWindow)
		}
		m.Content = text
		m.IsEdited = true
		m.EditedAt = now
		return true, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	transition("edit")
	e.publish(ctx, eventbus.KeyMessageEdited, msg, userID, "")

	e.fanout(origin, models.NewEvent(models.EventMessageEdited, models.MessageEditedPayload{
		MessageID:  msg.ID,
		NewContent: msg.Content,
		EditedAt:   msg.EditedAt,
	}), msg.ReceiverID, msg.SenderID)
	return msg.Redacted(), nil
}

// Delete removes a message for both participants. Deleting an already
// deleted message succeeds and only confirms to origin.
func (e *Engine) Delete(ctx context.Context, origin presence.Sink, messageID, userID string) error {
	if err := required("messageId", messageID, "userId", userID); err != nil {
		return err
	}

	mu := e.lockFor(messageID)
	mu.Lock()
	msg, err := e.findMessage(ctx, messageID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if msg.SenderID != userID {
		mu.Unlock()
		return fmt.Errorf("%w: only the sender can delete a message", models.ErrPermission)
	}

	already := msg.IsDeleted
	if !already {
		msg.IsDeleted = true
		msg.DeletedFor = slices.Compact([]string{msg.SenderID, msg.ReceiverID})
		msg.Content = ""
		msg.Media = models.Media{}
		err = e.store(ctx, "save_message", func(ctx context.Context) error {
			return e.messages.SaveMessage(ctx, msg)
		})
	}
	mu.Unlock()
	if err != nil {
		return err
	}

	event := models.NewEvent(models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: msg.ID})
	if already {
		e.fanout(origin, event)
		return nil
	}
	transition("delete")
	e.publish(ctx, eventbus.KeyMessageDeleted, msg, userID, "")
	e.fanout(origin, event, msg.ReceiverID, msg.SenderID)
	return nil
}

// React sets the user's reaction on a message, replacing any earlier one.
func (e *Engine) React(ctx context.Context, origin presence.Sink, messageID, userID, emoji string) (models.Message, error) {
	if err := required("messageId", messageID, "userId", userID, "reaction", emoji); err != nil {
		return models.Message{}, err
	}
	if !models.ValidEmoji(emoji) {
		return models.Message{}, validationError("unsupported reaction %q", emoji)
	}

	now := e.clock.Now()
	msg, changed, err := e.mutate(ctx, messageID, func(m *models.Message) (bool, error) {
		if !m.IsParticipant(userID) {
			return false, fmt.Errorf("%w: only participants can react", models.ErrPermission)
		}
		if r, ok := m.ReactionOf(userID); ok && r.Emoji == emoji {
			return false, nil
		}
		m.SetReaction(userID, emoji, now)
		return true, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		transition("react")
		e.publish(ctx, eventbus.KeyReactionAdded, msg, userID, emoji)
	}

	e.fanout(origin, models.NewEvent(models.EventReactionAdded, models.ReactionPayload{
		MessageID: msg.ID,
		UserID:    userID,
		Reaction:  emoji,
	}), msg.ReceiverID, msg.SenderID)
	return msg.Redacted(), nil
}

// RemoveReaction drops the user's own reaction. It reports whether there
// was one; removing a missing reaction is not an error.
func (e *Engine) RemoveReaction(ctx context.Context, origin presence.Sink, messageID, userID string) (bool, error) {
	if err := required("messageId", messageID, "userId", userID); err != nil {
		return false, err
	}

	msg, removed, err := e.mutate(ctx, messageID, func(m *models.Message) (bool, error) {
		return m.RemoveReaction(userID), nil
	})
	if err != nil || !removed {
		return false, err
	}
	transition("unreact")
	e.publish(ctx, eventbus.KeyReactionRemoved, msg, userID, "")

	e.fanout(origin, models.NewEvent(models.EventReactionRemoved, models.ReactionRemovedPayload{
		MessageID: msg.ID,
		UserID:    userID,
	}), msg.ReceiverID, msg.SenderID)
	return true, nil
}

// MarkDelivered records that the message reached userID. Repeated calls
// are no-ops.
func (e *Engine) MarkDelivered(ctx context.Context, messageID, userID string) (models.Message, error) {
	if err := required("messageId", messageID, "userId", userID); err != nil {
		return models.Message{}, err
	}

	now := e.clock.Now()
	msg, changed, err := e.mutate(ctx, messageID, func(m *models.Message) (bool, error) {
		if !m.IsParticipant(userID) {
			return false, fmt.Errorf("%w: not a participant", models.ErrPermission)
		}
		return m.MarkDelivered(userID, now), nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		transition("deliver")
		e.publish(ctx, eventbus.KeyMessageDelivered, msg, userID, "")
	}
	return msg.Redacted(), nil
}

// MarkRead records that userID has seen the message and tells the other
// side. Repeated calls are no-ops.
func (e *Engine) MarkRead(ctx context.Context, origin presence.Sink, messageID, userID string) (models.Message, error) {
	if err := required("messageId", messageID, "userId", userID); err != nil {
		return models.Message{}, err
	}

	now := e.clock.Now()
	msg, changed, err := e.mutate(ctx, messageID, func(m *models.Message) (bool, error) {
		if !m.IsParticipant(userID) {
			return false, fmt.Errorf("%w: not a participant", models.ErrPermission)
		}
		return m.MarkRead(userID, now), nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		transition("read")
		e.publish(ctx, eventbus.KeyMessageRead, msg, userID, "")
		e.fanout(origin, models.NewEvent(models.EventMessageRead, models.MessageReadPayload{
			MessageID: msg.ID,
			UserID:    userID,
			ReadAt:    now,
		}), msg.SenderID)
	}
	return msg.Redacted(), nil
}

// History returns a page of the conversation between userID and peerID in
// ascending order. Paging runs over newest-first order, so offset 0 is
// the most recent page. Messages addressed to userID are marked read.
func (e *Engine) History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	if err := required("userId", userID, "receiverId", peerID); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, validationError("offset must not be negative")
	}
	if limit <= 0 {
		limit = e.cfg.HistoryLimit
	}

	for _, id := range []string{userID, peerID} {
		if _, err := e.findUser(ctx, id); err != nil {
			return nil, err
		}
	}

	var page []models.Message
	err := e.store(ctx, "find_conversation", func(ctx context.Context) error {
		var err error
		page, err = e.messages.FindConversation(ctx, userID, peerID, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(page)

	now := e.clock.Now()
	out := make([]models.Message, 0, len(page))
	for _, m := range page {
		if m.ReceiverID == userID && !m.ReadByUser(userID) {
			updated, changed, err := e.mutate(ctx, m.ID, func(mm *models.Message) (bool, error) {
				return mm.MarkRead(userID, now), nil
			})
			switch {
			case errors.Is(err, models.ErrNotFound):
				// Deleted while the page was being read.
				continue
			case err != nil:
				return nil, err
			}
			if changed {
				transition("read")
				e.publish(ctx, eventbus.KeyMessageRead, updated, userID, "")
			}
			m = updated
		}
		if m.IsDeleted {
			continue
		}
		out = append(out, m.Redacted())
	}
	return out, nil
}
