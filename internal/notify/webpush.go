// Package notify tells users about messages that arrived while they had no
// live connection.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	previewLength = 120
	pushTTL       = 24 * 60 * 60
)

type Notifier interface {
	NotifyMessage(ctx context.Context, msg models.Message) error
}

// Noop is used when Web Push is not configured.
type Noop struct{}

func (Noop) NotifyMessage(context.Context, models.Message) error { return nil }

type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type WebPush struct {
	subs       Subscriptions
	publicKey  string
	privateKey string
	subscriber string
	client     webpush.HTTPClient
}

func NewWebPush(subs Subscriptions, publicKey, privateKey, subscriber string) *WebPush {
	return &WebPush{
		subs:       subs,
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		client:     http.DefaultClient,
	}
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// NotifyMessage pushes a preview of msg to every subscription of its
// receiver. Subscriptions the push service reports as gone are removed.
func (w *WebPush) NotifyMessage(ctx context.Context, msg models.Message) error {
	subs, err := w.subs.ListPushSubscriptions(ctx, msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushPayload{
		Title:     "New message",
		Body:      preview(msg),
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := w.send(ctx, payload, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebPush) send(ctx context.Context, payload []byte, sub storage.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		slog.Info("notify: dropping expired push subscription", "user_id", sub.UserID, "endpoint", sub.Endpoint)
		return w.subs.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push to %s: unexpected status %d", sub.Endpoint, resp.StatusCode)
	}
	return nil
}

func preview(msg models.Message) string {
	if msg.Content == "" {
		return fmt.Sprintf("[%s]", msg.Kind)
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLength]) + "…"
}
