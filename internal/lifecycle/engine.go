// Package lifecycle implements message state transitions and the fan-out
// that follows each of them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/internal/clock"
	"parley/internal/eventbus"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/notify"
	"parley/internal/presence"
)

const (
	DefaultEditWindow   = 15 * time.Minute
	DefaultHistoryLimit = 50
	DefaultStoreTimeout = 5 * time.Second

	lockStripes = 64
)

type MessageStore interface {
	CreateMessage(ctx context.Context, msg models.Message) error
	FindMessage(ctx context.Context, id string) (models.Message, error)
	SaveMessage(ctx context.Context, msg models.Message) error
	FindConversation(ctx context.Context, userA, userB string, limit, offset int) ([]models.Message, error)
}

type UserStore interface {
	FindUser(ctx context.Context, id string) (models.User, error)
}

type Peers interface {
	Resolve(userID string) (presence.Sink, bool)
}

type TypingCanceller interface {
	Cancel(sender, receiver string)
}

type Config struct {
	EditWindow   time.Duration
	StoreTimeout time.Duration
	HistoryLimit int
}

type Engine struct {
	messages MessageStore
	users    UserStore
	peers    Peers
	typing   TypingCanceller
	clock    clock.Clock
	cfg      Config

	notifier  notify.Notifier
	publisher eventbus.Publisher

	// Mutations of one message id are serialised on one stripe.
	locks [lockStripes]sync.Mutex
}

func New(messages MessageStore, users UserStore, peers Peers, typing TypingCanceller, clk clock.Clock, cfg Config) *Engine {
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = DefaultEditWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Engine{
		messages:  messages,
		users:     users,
		peers:     peers,
		typing:    typing,
		clock:     clk,
		cfg:       cfg,
		notifier:  notify.Noop{},
		publisher: eventbus.Noop{},
	}
}

// SetNotifier installs the notifier used for receivers without a live
// connection.
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.notifier = n
}

func (e *Engine) SetPublisher(p eventbus.Publisher) {
	e.publisher = p
}

// Draft is a message as submitted by its sender.
type Draft struct {
	SenderID   string
	ReceiverID string
	Content    string
	Kind       models.MessageKind
	Media      models.Media
}

func DraftFromPayload(p models.NewMessagePayload) Draft {
	return Draft{
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Kind:       p.Kind,
		Media: models.Media{
			URL:  p.MediaURL,
			Type: p.MediaType,
			Name: p.MediaName,
			Size: p.MediaSize,
		},
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrValidation, fmt.Sprintf(format, args...))
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return validationError("%s is required", fields[i])
		}
	}
	return nil
}

// store runs one persistence call under the store timeout. Not-found
// errors pass through; anything else becomes ErrStore.
func (e *Engine) store(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", models.ErrStore, op, err)
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.locks[h.Sum32()%lockStripes]
}

func (e *Engine) findMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := e.store(ctx, "find_message", func(ctx context.Context) error {
		var err error
		msg, err = e.messages.FindMessage(ctx, id)
		return err
	})
	return msg, err
}

func (e *Engine) findUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := e.store(ctx, "find_user", func(ctx context.Context) error {
		var err error
		user, err = e.users.FindUser(ctx, id)
		return err
	})
	return user, err
}

// mutate loads a message under its lock, applies fn and saves the result
// when fn reports a change. Deleted messages are invisible to mutate.
func (e *Engine) mutate(ctx context.Context, id string, fn func(*models.Message) (bool, error)) (models.Message, bool, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := e.findMessage(ctx, id)
	if err != nil {
		return models.Message{}, false, err
	}
	if msg.IsDeleted {
		return models.Message{}, false, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}

	changed, err := fn(&msg)
	if err != nil || !changed {
		return msg, false, err
	}
	err = e.store(ctx, "save_message", func(ctx context.Context) error {
		return e.messages.SaveMessage(ctx, msg)
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// fanout sends event to origin and to every listed user whose current
// connection is not origin.
func (e *Engine) fanout(origin presence.Sink, event models.ServerEvent, userIDs ...string) {
	seen := make(map[presence.Sink]struct{}, len(userIDs)+1)
	if origin != nil {
		seen[origin] = struct{}{}
		if !origin.Send(event) {
			metrics.DroppedEvents.Inc()
		}
	}
	for _, id := range userIDs {
		sink, ok := e.peers.Resolve(id)
		if !ok {
			continue
		}
		if _, dup := seen[sink]; dup {
			continue
		}
		seen[sink] = struct{}{}
		if !sink.Send(event) {
			metrics.DroppedEvents.Inc()
		}
	}
}

func (e *Engine) publish(ctx context.Context, key string, msg models.Message, actorID, reaction string) {
	env := eventbus.NewEnvelope(key, e.clock.Now(), eventbus.MessageEvent{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		ActorID:    actorID,
		Kind:       string(msg.Kind),
		Reaction:   reaction,
	})

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, key, env); err != nil {
		slog.Warn("lifecycle: failed to publish event", "key", key, "message_id", msg.ID, "error", err)
	}
}

func transition(name string) {
	metrics.MessageTransitions.WithLabelValues(name).Inc()
}
